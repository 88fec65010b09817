package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/mailbridge/internal/auth"
	"github.com/gotrs-io/mailbridge/internal/email/inbound/postmaster"
	"github.com/gotrs-io/mailbridge/internal/middleware"
	"github.com/gotrs-io/mailbridge/internal/models"
	"github.com/gotrs-io/mailbridge/internal/service"
)

type failingInbound struct{ err error }

func (f failingInbound) Handle(context.Context, *models.InboundMessage) (postmaster.Result, error) {
	return postmaster.Result{}, f.err
}

type stubMerger struct {
	result *service.MergeResult
	err    error
}

func (s stubMerger) MergeThreadOrCreateTicket(context.Context, int64, string, string) (*service.MergeResult, error) {
	return s.result, s.err
}

func (s stubMerger) MergeConversationsOrCreateTicket(context.Context, int64, service.MergeConversationsInput) (*service.MergeResult, error) {
	return s.result, s.err
}

func (s stubMerger) LookupThread(context.Context, int64, string) (*models.EmailThread, error) {
	return nil, s.err
}

func stubRouter(t *testing.T, h *Handlers) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	jwtManager := auth.NewJWTManager("test-secret", time.Hour)
	token, err := jwtManager.GenerateToken(7, 1, "agent@org.com")
	require.NoError(t, err)
	return NewRouter(h, RouterConfig{Auth: middleware.NewAuthMiddleware(jwtManager)}), token
}

func serve(t *testing.T, r *gin.Engine, method, path, body, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestStatusFor(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid input", err: fmt.Errorf("merge: %w", models.ErrInvalidInput), want: http.StatusBadRequest},
		{name: "unknown organization", err: models.ErrOrganizationNotFound, want: http.StatusBadRequest},
		{name: "missing ticket", err: models.ErrTicketNotFound, want: http.StatusNotFound},
		{name: "missing account", err: models.ErrAccountNotLinked, want: http.StatusNotFound},
		{name: "database down", err: fmt.Errorf("append entry: %w", refused), want: http.StatusServiceUnavailable},
		{name: "connection done", err: sql.ErrConnDone, want: http.StatusServiceUnavailable},
		{name: "anything else", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestDatabaseOutageReturns503(t *testing.T) {
	down := fmt.Errorf("claim message: %w", sql.ErrConnDone)
	r, token := stubRouter(t, &Handlers{
		Inbound: failingInbound{err: down},
		Merges:  stubMerger{err: down},
	})

	w, body := serve(t, r, http.MethodPost, "/ticket/webhook",
		`{"messageId":"m1","from":"a@x.com","to":"support@org.com","subject":"Hi","htmlBody":"<p>hi</p>"}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, unavailableMessage, body["message"])

	w, body = serve(t, r, http.MethodPost, "/emails/merge-support-email?emailId=m1", "", token)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, unavailableMessage, body["message"])

	w, _ = serve(t, r, http.MethodGet, "/emails/m1", "", token)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	r, _ = stubRouter(t, &Handlers{Inbound: failingInbound{err: errors.New("boom")}})
	w, _ = serve(t, r, http.MethodPost, "/ticket/webhook", `{"messageId":"m1","to":"support@org.com"}`, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMergeSupportEmailNothingToMerge(t *testing.T) {
	r, token := stubRouter(t, &Handlers{Merges: stubMerger{result: &service.MergeResult{}}})

	w, body := serve(t, r, http.MethodPost, "/emails/merge-support-email?emailId=m1", "", token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Nothing to merge.", body["message"])
	data := body["data"].(map[string]any)
	assert.Equal(t, "", data["ticket_id"])
	assert.EqualValues(t, 0, data["appended"])
}
