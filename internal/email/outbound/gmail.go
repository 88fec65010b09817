package outbound

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/gotrs-io/mailbridge/internal/models"
)

// GmailConfig points the channel at the Gmail API. Both fields are optional.
type GmailConfig struct {
	Endpoint   string
	HTTPClient *http.Client
}

// GmailChannel sends from an agent's linked Google mailbox.
type GmailChannel struct {
	channelBase
	cfg GmailConfig
}

type gmailRequest struct {
	service *gmail.Service
	message *gmail.Message
}

// NewGmailChannel builds the channel.
func NewGmailChannel(cfg GmailConfig, opts ...ChannelOption) *GmailChannel {
	return &GmailChannel{channelBase: newChannelBase("gmail-api", opts), cfg: cfg}
}

// Provider implements Channel.
func (c *GmailChannel) Provider() models.Provider { return models.ProviderGoogle }

// Build resolves the mailbox address with users.getProfile and renders the
// raw message.
func (c *GmailChannel) Build(ctx context.Context, env Envelope) (ProviderRequest, error) {
	if env.Account == nil {
		return ProviderRequest{}, models.ErrAccountNotLinked
	}
	svc, err := c.service(ctx, env.Account)
	if err != nil {
		return ProviderRequest{}, err
	}
	var profile *gmail.Profile
	err = c.execute(func() error {
		var apiErr error
		profile, apiErr = svc.Users.GetProfile("me").Context(ctx).Do()
		return googleError(apiErr)
	})
	if err != nil {
		return ProviderRequest{}, err
	}
	env.From = profile.EmailAddress

	raw, err := BuildMIME(env)
	if err != nil {
		return ProviderRequest{}, err
	}
	return ProviderRequest{
		Provider: models.ProviderGoogle,
		Envelope: env,
		Raw:      raw,
		Payload: gmailRequest{
			service: svc,
			message: &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)},
		},
	}, nil
}

// Send implements Channel.
func (c *GmailChannel) Send(ctx context.Context, req ProviderRequest) error {
	payload, ok := req.Payload.(gmailRequest)
	if !ok {
		return errors.New("gmail: unexpected payload")
	}
	return c.execute(func() error {
		sent, err := payload.service.Users.Messages.Send("me", payload.message).Context(ctx).Do()
		if err != nil {
			return googleError(err)
		}
		c.logf(logrus.Fields{"gmail_id": sent.Id, "thread_id": sent.ThreadId, "ticket_id": req.Envelope.TicketID}, "gmail: reply sent")
		return nil
	})
}

func (c *GmailChannel) service(ctx context.Context, acct *models.LinkedAccount) (*gmail.Service, error) {
	base := c.cfg.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: acct.AccessToken, TokenType: "Bearer"}))
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if c.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.cfg.Endpoint))
	}
	return gmail.NewService(ctx, opts...)
}

func googleError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		body := apiErr.Body
		if body == "" {
			body = apiErr.Message
		}
		return &ProviderError{Provider: models.ProviderGoogle, StatusCode: apiErr.Code, Body: body, Err: err}
	}
	return &ProviderError{Provider: models.ProviderGoogle, Body: err.Error(), Err: err}
}
