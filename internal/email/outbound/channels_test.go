package outbound

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/mailbridge/internal/models"
)

func TestGraphChannel(t *testing.T) {
	var sent graphSendMail
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1.0/me":
			_, _ = w.Write([]byte(`{"mail":"","userPrincipalName":"agent@corp.com"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1.0/me/sendMail":
			_ = json.NewDecoder(r.Body).Decode(&sent)
			w.WriteHeader(http.StatusAccepted)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ch := NewGraphChannel(GraphConfig{BaseURL: srv.URL + "/v1.0/", HTTPClient: srv.Client()})
	env := testEnvelope()
	env.Account = &models.LinkedAccount{Provider: models.ProviderMicrosoft, AccessToken: "tok"}
	env.Attachment = &models.Attachment{Name: "a.txt", Data: base64.StdEncoding.EncodeToString([]byte("hi"))}

	req, err := ch.Build(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "agent@corp.com", req.Envelope.From)
	require.NoError(t, ch.Send(context.Background(), req))

	assert.Equal(t, "Bearer tok", auth)
	assert.True(t, sent.SaveToSentItems)
	assert.Equal(t, "Order issue #AB3F9K2Q", sent.Message.Subject)
	assert.Equal(t, "HTML", sent.Message.Body.ContentType)
	assert.Equal(t, "a@x.com", sent.Message.ToRecipients[0].EmailAddress.Address)
	assert.Equal(t, "support@org.com", sent.Message.ReplyTo[0].EmailAddress.Address)
	require.Len(t, sent.Message.Attachments, 1)
	assert.Equal(t, "#microsoft.graph.fileAttachment", sent.Message.Attachments[0].ODataType)
	assert.Equal(t, defaultAttachmentType, sent.Message.Attachments[0].ContentType)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hi")), sent.Message.Attachments[0].ContentBytes)
}

func TestGraphChannelProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/me" {
			_, _ = w.Write([]byte(`{"mail":"agent@corp.com"}`))
			return
		}
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":"ErrorAccessDenied"}}`))
	}))
	defer srv.Close()

	ch := NewGraphChannel(GraphConfig{BaseURL: srv.URL, HTTPClient: srv.Client()})
	env := testEnvelope()
	env.Account = &models.LinkedAccount{AccessToken: "tok"}
	req, err := ch.Build(context.Background(), env)
	require.NoError(t, err)

	err = ch.Send(context.Background(), req)
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusForbidden, pe.StatusCode)
	assert.Contains(t, pe.Body, "ErrorAccessDenied")
	assert.Equal(t, models.ProviderMicrosoft, pe.Provider)
}

func TestGmailChannel(t *testing.T) {
	var raw string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/users/me/profile"):
			_, _ = w.Write([]byte(`{"emailAddress":"agent@gmail.com"}`))
		case strings.HasSuffix(r.URL.Path, "/users/me/messages/send"):
			var body struct {
				Raw string `json:"raw"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			raw = body.Raw
			_, _ = w.Write([]byte(`{"id":"g1","threadId":"t1"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ch := NewGmailChannel(GmailConfig{Endpoint: srv.URL + "/", HTTPClient: srv.Client()})
	env := testEnvelope()
	env.From = ""
	env.Account = &models.LinkedAccount{Provider: models.ProviderGoogle, AccessToken: "tok"}

	req, err := ch.Build(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "agent@gmail.com", req.Envelope.From)
	require.NoError(t, ch.Send(context.Background(), req))

	decoded, err := base64.URLEncoding.DecodeString(raw)
	require.NoError(t, err)
	assert.Contains(t, string(decoded), "Subject: Order issue #AB3F9K2Q")
	assert.Contains(t, string(decoded), "agent@gmail.com")
}

func TestGmailChannelProfileFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":401,"message":"Invalid Credentials"}}`))
	}))
	defer srv.Close()

	ch := NewGmailChannel(GmailConfig{Endpoint: srv.URL + "/", HTTPClient: srv.Client()})
	env := testEnvelope()
	env.Account = &models.LinkedAccount{AccessToken: "expired"}
	_, err := ch.Build(context.Background(), env)
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
	assert.Contains(t, pe.Body, "Invalid Credentials")
}

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESChannel(t *testing.T) {
	t.Run("simple html from routing address", func(t *testing.T) {
		client := &fakeSES{}
		ch := NewSESChannel(client, "")
		req, err := ch.Build(context.Background(), testEnvelope())
		require.NoError(t, err)
		require.NoError(t, ch.Send(context.Background(), req))

		in := client.input
		assert.Equal(t, "support@org.com", aws.ToString(in.FromEmailAddress))
		assert.Equal(t, []string{"a@x.com"}, in.Destination.ToAddresses)
		require.NotNil(t, in.Content.Simple)
		assert.Equal(t, "Order issue #AB3F9K2Q", aws.ToString(in.Content.Simple.Subject.Data))
		assert.Equal(t, "<p>Fixed</p>", aws.ToString(in.Content.Simple.Body.Html.Data))
	})

	t.Run("attachment goes out as raw mime", func(t *testing.T) {
		client := &fakeSES{}
		env := testEnvelope()
		env.Attachment = &models.Attachment{Name: "a.txt", Data: base64.StdEncoding.EncodeToString([]byte("hi"))}
		ch := NewSESChannel(client, "noreply@org.com")
		req, err := ch.Build(context.Background(), env)
		require.NoError(t, err)
		require.NoError(t, ch.Send(context.Background(), req))
		require.NotNil(t, client.input.Content.Raw)
		assert.Contains(t, string(client.input.Content.Raw.Data), "noreply@org.com")
	})

	t.Run("api error keeps code and message", func(t *testing.T) {
		client := &fakeSES{err: &smithy.GenericAPIError{Code: "MessageRejected", Message: "Email address is not verified"}}
		ch := NewSESChannel(client, "")
		req, err := ch.Build(context.Background(), testEnvelope())
		require.NoError(t, err)
		err = ch.Send(context.Background(), req)
		var pe *ProviderError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, "MessageRejected: Email address is not verified", pe.Body)
	})
}

func TestBreakerOpensOnProviderFailures(t *testing.T) {
	base := newChannelBase("test", []ChannelOption{WithBreaker(BreakerConfig{MaxRequests: 1, ConsecutiveFailures: 2, Timeout: time.Hour})})
	calls := 0
	fail := func() error { calls++; return &ProviderError{StatusCode: 500, Body: "down"} }

	require.Error(t, base.execute(fail))
	require.Error(t, base.execute(fail))
	err := base.execute(fail)
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusServiceUnavailable, pe.StatusCode)
	assert.Equal(t, 2, calls)

	client := newChannelBase("client-errors", []ChannelOption{WithBreaker(BreakerConfig{MaxRequests: 1, ConsecutiveFailures: 1, Timeout: time.Hour})})
	for i := 0; i < 3; i++ {
		err := client.execute(func() error { return &ProviderError{StatusCode: 400, Body: "bad"} })
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, 400, pe.StatusCode)
	}
}
