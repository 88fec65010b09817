package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/mailbridge/internal/email/inbound/postmaster"
	"github.com/gotrs-io/mailbridge/internal/models"
)

var inboundMessages = map[string]string{
	postmaster.ActionAppended:       "Appended to existing ticket",
	postmaster.ActionThreadAppended: "Email processed successfully",
	postmaster.ActionThreadCreated:  "Email processed successfully",
	postmaster.ActionDuplicate:      "Duplicate email ignored",
	postmaster.ActionIgnored:        "Email ignored",
}

// handleInboundWebhook handles POST /ticket/webhook
func (h *Handlers) handleInboundWebhook(c *gin.Context) {
	var msg models.InboundMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		h.sendError(c, http.StatusBadRequest, "Invalid webhook payload", err)
		return
	}

	res, err := h.Inbound.Handle(c.Request.Context(), &msg)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrOrganizationNotFound):
			h.sendError(c, http.StatusBadRequest, "Organization not found", err)
		case errors.Is(err, models.ErrTicketNotFound):
			h.sendError(c, http.StatusNotFound, "Ticket not found", err)
		case statusFor(err) == http.StatusBadRequest:
			h.sendError(c, http.StatusBadRequest, "Invalid webhook payload", err)
		case statusFor(err) == http.StatusServiceUnavailable:
			h.sendError(c, http.StatusServiceUnavailable, unavailableMessage, err)
		default:
			h.sendError(c, http.StatusInternalServerError, "Internal Server Error", err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":         inboundMessages[res.Action],
		"action":          res.Action,
		"ticket_id":       res.TicketID,
		"email_thread_id": res.ThreadID,
	})
}
