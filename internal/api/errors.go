package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/mailbridge/internal/database"
	"github.com/gotrs-io/mailbridge/internal/email/outbound"
	"github.com/gotrs-io/mailbridge/internal/models"
)

const unavailableMessage = "Service temporarily unavailable"

// statusFor maps domain errors onto HTTP status codes. A lost database
// connection is 503 so callers retry instead of treating it as a bug.
func statusFor(err error) int {
	switch {
	case database.IsConnectionError(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, models.ErrInvalidProvider),
		errors.Is(err, models.ErrOrganizationNotFound):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrTicketNotFound),
		errors.Is(err, models.ErrThreadNotFound),
		errors.Is(err, models.ErrAccountNotLinked):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes {message, error}. Provider failures carry the provider's
// response body as error; unexpected failures are logged and not echoed.
func (h *Handlers) sendError(c *gin.Context, status int, message string, err error) {
	body := gin.H{"message": message}
	var pe *outbound.ProviderError
	switch {
	case errors.As(err, &pe):
		body["error"] = pe.Body
		body["provider"] = pe.Provider
		if pe.StatusCode > 0 {
			body["provider_status"] = pe.StatusCode
		}
	case status < http.StatusInternalServerError && err != nil:
		body["error"] = err.Error()
	}
	if status >= http.StatusInternalServerError && h.Logger != nil {
		h.Logger.WithFields(logrus.Fields{"path": c.FullPath(), "status": status}).WithError(err).Error(message)
	}
	if err != nil {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, body)
}
