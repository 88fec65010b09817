package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/mailbridge/internal/auth"
	"github.com/gotrs-io/mailbridge/internal/correlation"
	"github.com/gotrs-io/mailbridge/internal/email/inbound/postmaster"
	"github.com/gotrs-io/mailbridge/internal/email/outbound"
	"github.com/gotrs-io/mailbridge/internal/middleware"
	"github.com/gotrs-io/mailbridge/internal/models"
	"github.com/gotrs-io/mailbridge/internal/notifications"
	"github.com/gotrs-io/mailbridge/internal/repository"
	"github.com/gotrs-io/mailbridge/internal/service"
)

const webhookSecret = "hook-secret"

type stubChannel struct {
	provider models.Provider
	err      error
	sent     []outbound.Envelope
}

func (s *stubChannel) Provider() models.Provider { return s.provider }

func (s *stubChannel) Build(_ context.Context, env outbound.Envelope) (outbound.ProviderRequest, error) {
	return outbound.ProviderRequest{Provider: s.provider, Envelope: env}, nil
}

func (s *stubChannel) Send(_ context.Context, req outbound.ProviderRequest) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, req.Envelope)
	return nil
}

type apiFixture struct {
	router  *gin.Engine
	store   *repository.MemoryStore
	support *stubChannel
	org     *models.Organization
	token   string
}

func newAPIFixture(t *testing.T, health func(context.Context) error) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := repository.NewMemoryDirectory()
	org := dir.AddOrganization(models.Organization{Name: "Org", RoutingAddress: "support@org.com"})
	dir.LinkAccount(models.LinkedAccount{UserID: 7, Provider: models.ProviderGoogle, Email: "agent@gmail.com", AccessToken: "tok"})
	store := repository.NewMemoryStore()
	notifier := notifications.NewMemoryNotifier()
	support := &stubChannel{provider: models.ProviderSupport}

	handlers := &Handlers{
		Inbound: postmaster.Service{
			Resolver:    correlation.NewOrganizationResolver(dir),
			FilterChain: postmaster.DefaultChain(nil),
			Handler:     postmaster.NewTicketProcessor(store, postmaster.WithTicketProcessorNotifier(notifier)),
		},
		Replies: outbound.NewDispatcher(store, dir, dir, []outbound.Channel{support, &stubChannel{provider: models.ProviderGoogle}},
			outbound.WithDispatchNotifier(notifier)),
		Merges: service.NewMergeService(store, service.WithMergeNotifier(notifier)),
		Reader: store,
	}
	jwtManager := auth.NewJWTManager("test-secret", time.Hour)
	token, err := jwtManager.GenerateToken(7, org.ID, "agent@org.com")
	require.NoError(t, err)

	router := NewRouter(handlers, RouterConfig{
		Auth:          middleware.NewAuthMiddleware(jwtManager),
		WebhookSecret: webhookSecret,
		Health:        health,
	})
	return &apiFixture{router: router, store: store, support: support, org: org, token: token}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, authed bool) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.WebhookSecretHeader, webhookSecret)
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func inbound(messageID, inReplyTo, subject string) map[string]any {
	return map[string]any{
		"messageId": messageID,
		"inReplyTo": inReplyTo,
		"from":      "Alice <a@x.com>",
		"to":        []string{"support@org.com"},
		"subject":   subject,
		"htmlBody":  "<p>" + messageID + "</p>",
	}
}

func TestInboundWebhook(t *testing.T) {
	f := newAPIFixture(t, nil)

	w, body := f.do(t, http.MethodPost, "/ticket/webhook", inbound("m1", "", "Printer on fire"), false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, postmaster.ActionThreadCreated, body["action"])
	assert.Equal(t, "m1", body["email_thread_id"])

	w, body = f.do(t, http.MethodPost, "/ticket/webhook", inbound("m1", "", "Printer on fire"), false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, postmaster.ActionDuplicate, body["action"])
	assert.Equal(t, "Duplicate email ignored", body["message"])

	w, body = f.do(t, http.MethodPost, "/ticket/webhook", inbound("m2", "m1", "Re: Printer on fire"), false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, postmaster.ActionThreadAppended, body["action"])

	thread, err := f.store.GetByThreadID(context.Background(), f.org.ID, "m1")
	require.NoError(t, err)
	assert.Len(t, thread.Conversations, 2)
}

func TestInboundWebhookRejections(t *testing.T) {
	f := newAPIFixture(t, nil)

	msg := inbound("m1", "", "Hello")
	msg["to"] = "nobody@elsewhere.com"
	w, body := f.do(t, http.MethodPost, "/ticket/webhook", msg, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Organization not found", body["message"])

	w, body = f.do(t, http.MethodPost, "/ticket/webhook", inbound("m9", "", "Re: status #NOPE1234"), false)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Ticket not found", body["message"])

	w, _ = f.do(t, http.MethodPost, "/ticket/webhook", `{"messageId":`, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/ticket/webhook", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMergeSupportEmailThenTaggedReply(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.do(t, http.MethodPost, "/ticket/webhook", inbound("m1", "", "Printer on fire"), false)
	f.do(t, http.MethodPost, "/ticket/webhook", inbound("m2", "m1", "Re: Printer on fire"), false)

	w, _ := f.do(t, http.MethodPost, "/emails/merge-support-email?emailId=m1", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body := f.do(t, http.MethodPost, "/emails/merge-support-email?emailId=m1&ticketId=undefined", nil, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	data := body["data"].(map[string]any)
	ticketID := data["ticket_id"].(string)
	require.NotEmpty(t, ticketID)
	assert.EqualValues(t, 2, data["total_conversations"])

	w, body = f.do(t, http.MethodPost, "/emails/merge-support-email?emailId=m1", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ticketID, body["data"].(map[string]any)["ticket_id"])

	w, body = f.do(t, http.MethodGet, "/emails/m1", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	email := body["data"].(map[string]any)
	assert.Equal(t, true, email["processed"])
	assert.Equal(t, ticketID, email["ticket_id"])

	// A customer reply to the stamped subject lands on the ticket.
	w, body = f.do(t, http.MethodPost, "/ticket/webhook", inbound("m3", "m2", "Re: Printer on fire #"+ticketID), false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, postmaster.ActionAppended, body["action"])

	w, body = f.do(t, http.MethodGet, "/tickets/"+ticketID, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	ticket := body["data"].(map[string]any)
	assert.Len(t, ticket["conversations"], 3)
	assert.Equal(t, "a@x.com", ticket["customer_email"])

	w, _ = f.do(t, http.MethodPost, "/emails/merge-support-email", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, body = f.do(t, http.MethodPost, "/emails/merge-support-email?emailId=missing", nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Email not found", body["message"])
	w, _ = f.do(t, http.MethodGet, "/tickets/NOPE", nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListEmails(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.do(t, http.MethodPost, "/ticket/webhook", inbound("m1", "", "First"), false)
	f.do(t, http.MethodPost, "/ticket/webhook", inbound("m2", "", "Second"), false)

	w, body := f.do(t, http.MethodGet, "/emails?limit=1", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"], 1)

	w, _ = f.do(t, http.MethodGet, "/emails?limit=abc", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMergeGmailEmail(t *testing.T) {
	f := newAPIFixture(t, nil)
	conversations := []map[string]any{
		{"role": "customer", "text": "Hi", "messageId": "g1"},
		{"role": "support", "text": "Hello", "messageId": "g2"},
	}

	w, _ := f.do(t, http.MethodPost, "/emails/merge-gmail-email", map[string]any{"conversations": "nope", "email": "b@y.com"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/emails/merge-gmail-email", map[string]any{"conversations": conversations}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := f.do(t, http.MethodPost, "/emails/merge-gmail-email", map[string]any{"conversations": conversations, "ticketId": nil, "email": "b@y.com"}, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	data := body["data"].(map[string]any)
	ticketID := data["ticket_id"].(string)
	assert.Equal(t, "b@y.com", data["email"])
	assert.EqualValues(t, 2, data["total_conversations"])

	more := append(conversations, map[string]any{"role": "customer", "text": "Thanks", "messageId": "g3"})
	w, body = f.do(t, http.MethodPost, "/emails/merge-gmail-email", map[string]any{"conversations": more, "ticketId": ticketID}, true)
	require.Equal(t, http.StatusOK, w.Code)
	data = body["data"].(map[string]any)
	assert.EqualValues(t, 3, data["total_conversations"])
	assert.EqualValues(t, 1, data["appended"])

	w, _ = f.do(t, http.MethodPost, "/emails/merge-gmail-email", map[string]any{"conversations": more, "ticketId": "NOPE"}, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReplyEmail(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.do(t, http.MethodPost, "/ticket/webhook", inbound("m1", "", "Printer on fire"), false)
	_, body := f.do(t, http.MethodPost, "/emails/merge-support-email?emailId=m1", nil, true)
	ticketID := body["data"].(map[string]any)["ticket_id"].(string)
	reply := map[string]any{"provider": "SUPPORT", "subject": "Order issue", "message": "<p>Fixed</p>"}

	w, _ := f.do(t, http.MethodPost, "/reply-email/"+ticketID, reply, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body = f.do(t, http.MethodPost, "/reply-email/"+ticketID, map[string]any{"provider": "SUPPORT"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "provider, subject and message are required.", body["message"])

	w, _ = f.do(t, http.MethodPost, "/reply-email/"+ticketID, map[string]any{"provider": "PIGEON", "subject": "s", "message": "m"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/reply-email/NOPE", reply, true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodPost, "/reply-email/"+ticketID, map[string]any{"provider": "MICROSOFT", "subject": "s", "message": "m"}, true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.support.err = &outbound.ProviderError{Provider: models.ProviderSupport, StatusCode: 400, Body: "MessageRejected: Email address is not verified"}
	w, body = f.do(t, http.MethodPost, "/reply-email/"+ticketID, reply, true)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "MessageRejected: Email address is not verified", body["error"])
	stored, err := f.store.GetByTicketID(context.Background(), f.org.ID, ticketID)
	require.NoError(t, err)
	assert.Len(t, stored.Conversations, 1)

	f.support.err = nil
	w, body = f.do(t, http.MethodPost, "/reply-email/"+ticketID, reply, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Reply sent and ticket updated", body["message"])
	ticket := body["ticket"].(map[string]any)
	assert.Equal(t, "Order issue", ticket["subject"])
	assert.Equal(t, false, ticket["is_new"])
	require.Len(t, f.support.sent, 1)
	assert.Equal(t, "Order issue #"+ticketID, f.support.sent[0].Subject)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t, nil)
	w, body := f.do(t, http.MethodGet, "/healthz", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	w, _ = f.do(t, http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	down := newAPIFixture(t, func(context.Context) error { return errors.New("db down") })
	w, _ = down.do(t, http.MethodGet, "/healthz", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w, _ = f.do(t, http.MethodGet, "/ws", nil, true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
