package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/mailbridge/internal/email/outbound"
	"github.com/gotrs-io/mailbridge/internal/middleware"
	"github.com/gotrs-io/mailbridge/internal/models"
)

type replyEmailRequest struct {
	Provider   string             `json:"provider"`
	Subject    string             `json:"subject"`
	Message    string             `json:"message"`
	Attachment *models.Attachment `json:"attachment"`
}

// handleReplyEmail handles POST /reply-email/:ticketId
func (h *Handlers) handleReplyEmail(c *gin.Context) {
	orgID, _ := middleware.OrganizationID(c)
	userID, _ := middleware.UserID(c)

	var req replyEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendError(c, http.StatusBadRequest, "Invalid reply payload", err)
		return
	}
	if strings.TrimSpace(req.Provider) == "" || strings.TrimSpace(req.Subject) == "" || strings.TrimSpace(req.Message) == "" {
		h.sendError(c, http.StatusBadRequest, "provider, subject and message are required.", nil)
		return
	}

	ticket, err := h.Replies.SendReply(c.Request.Context(), outbound.ReplyRequest{
		OrganizationID: orgID,
		UserID:         userID,
		TicketID:       c.Param("ticketId"),
		Provider:       req.Provider,
		Subject:        req.Subject,
		Message:        req.Message,
		Attachment:     req.Attachment,
	})
	if err != nil {
		var pe *outbound.ProviderError
		switch {
		case errors.Is(err, models.ErrTicketNotFound):
			h.sendError(c, http.StatusNotFound, "Ticket not found", err)
		case errors.Is(err, models.ErrOrganizationNotFound):
			h.sendError(c, http.StatusNotFound, "Organization not found", err)
		case errors.Is(err, models.ErrAccountNotLinked):
			h.sendError(c, http.StatusNotFound, "No linked account found for provider", err)
		case errors.As(err, &pe):
			h.sendError(c, http.StatusInternalServerError, "Failed to send email", err)
		default:
			status := statusFor(err)
			message := "Internal server error"
			switch status {
			case http.StatusBadRequest:
				message = "Invalid reply request"
			case http.StatusServiceUnavailable:
				message = unavailableMessage
			}
			h.sendError(c, status, message, err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Reply sent and ticket updated",
		"ticket":  ticket,
	})
}
