package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/mailbridge/internal/middleware"
	"github.com/gotrs-io/mailbridge/internal/models"
	"github.com/gotrs-io/mailbridge/internal/service"
)

// handleMergeSupportEmail handles POST /emails/merge-support-email?emailId=&ticketId=
func (h *Handlers) handleMergeSupportEmail(c *gin.Context) {
	orgID, _ := middleware.OrganizationID(c)
	emailID := c.Query("emailId")
	if emailID == "" {
		h.sendError(c, http.StatusBadRequest, "emailId is required", nil)
		return
	}

	res, err := h.Merges.MergeThreadOrCreateTicket(c.Request.Context(), orgID, emailID, c.Query("ticketId"))
	if err != nil {
		h.sendMergeError(c, err)
		return
	}

	data := gin.H{
		"ticket_id":           res.TicketID,
		"email_id":            emailID,
		"total_conversations": res.TotalConversations,
		"appended":            res.Appended,
	}
	switch {
	case res.Created:
		c.JSON(http.StatusCreated, gin.H{"message": "New ticket created from email", "data": data})
	case res.TicketID == "":
		c.JSON(http.StatusOK, gin.H{"message": "Nothing to merge.", "data": data})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "Email successfully merged into existing ticket", "data": data})
	}
}

type mergeGmailRequest struct {
	Conversations json.RawMessage `json:"conversations"`
	TicketID      *string         `json:"ticketId"`
	Email         string          `json:"email"`
	Subject       string          `json:"subject"`
}

// handleMergeGmailEmail handles POST /emails/merge-gmail-email
func (h *Handlers) handleMergeGmailEmail(c *gin.Context) {
	orgID, _ := middleware.OrganizationID(c)

	var req mergeGmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendError(c, http.StatusBadRequest, "Invalid merge payload", err)
		return
	}
	raw := bytes.TrimSpace(req.Conversations)
	if len(raw) == 0 || raw[0] != '[' {
		h.sendError(c, http.StatusBadRequest, "Conversations array is required.", nil)
		return
	}
	var entries []models.ConversationEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		h.sendError(c, http.StatusBadRequest, "Conversations array is malformed.", err)
		return
	}

	in := service.MergeConversationsInput{
		Conversations: entries,
		Email:         req.Email,
		Subject:       req.Subject,
	}
	if req.TicketID != nil {
		in.TicketID = *req.TicketID
	}
	res, err := h.Merges.MergeConversationsOrCreateTicket(c.Request.Context(), orgID, in)
	if err != nil {
		h.sendMergeError(c, err)
		return
	}

	data := gin.H{
		"ticket_id":           res.TicketID,
		"total_conversations": res.TotalConversations,
		"appended":            res.Appended,
	}
	switch {
	case res.Created:
		data["email"] = in.Email
		c.JSON(http.StatusCreated, gin.H{"message": "New ticket created with email conversations.", "data": data})
	case res.TicketID == "":
		c.JSON(http.StatusOK, gin.H{"message": "Nothing to merge.", "data": data})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "Conversations merged into existing ticket successfully.", "data": data})
	}
}

func (h *Handlers) sendMergeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrThreadNotFound):
		h.sendError(c, http.StatusNotFound, "Email not found", err)
	case errors.Is(err, models.ErrTicketNotFound):
		h.sendError(c, http.StatusNotFound, "Ticket not found.", err)
	default:
		status := statusFor(err)
		message := "Internal server error"
		switch status {
		case http.StatusBadRequest:
			message = "Invalid merge request"
		case http.StatusServiceUnavailable:
			message = unavailableMessage
		}
		h.sendError(c, status, message, err)
	}
}
