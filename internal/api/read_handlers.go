package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/mailbridge/internal/middleware"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// handleListEmails handles GET /emails?limit=&offset=, newest first.
func (h *Handlers) handleListEmails(c *gin.Context) {
	orgID, _ := middleware.OrganizationID(c)
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil || limit <= 0 {
		h.sendError(c, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		h.sendError(c, http.StatusBadRequest, "Invalid offset", err)
		return
	}

	threads, err := h.Reader.List(c.Request.Context(), orgID, limit, offset)
	if err != nil {
		h.sendError(c, statusFor(err), "Failed to list emails", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": threads, "limit": limit, "offset": offset})
}

// handleGetEmail handles GET /emails/:emailId
func (h *Handlers) handleGetEmail(c *gin.Context) {
	orgID, _ := middleware.OrganizationID(c)
	thread, err := h.Merges.LookupThread(c.Request.Context(), orgID, c.Param("emailId"))
	if err != nil {
		status := statusFor(err)
		message := "Internal server error"
		switch status {
		case http.StatusNotFound:
			message = "Email not found"
		case http.StatusServiceUnavailable:
			message = unavailableMessage
		}
		h.sendError(c, status, message, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": thread})
}

// handleGetTicket handles GET /tickets/:ticketId
func (h *Handlers) handleGetTicket(c *gin.Context) {
	orgID, _ := middleware.OrganizationID(c)
	ticket, err := h.Reader.GetByTicketID(c.Request.Context(), orgID, c.Param("ticketId"))
	if err != nil {
		status := statusFor(err)
		message := "Internal server error"
		switch status {
		case http.StatusNotFound:
			message = "Ticket not found"
		case http.StatusServiceUnavailable:
			message = unavailableMessage
		}
		h.sendError(c, status, message, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ticket})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
