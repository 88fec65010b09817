package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/gotrs-io/mailbridge/internal/models"
)

// DefaultGraphBaseURL is the Microsoft Graph v1.0 root.
const DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

const maxErrorBody = 64 << 10

// GraphConfig points the channel at Microsoft Graph. Both fields are optional.
type GraphConfig struct {
	BaseURL    string
	HTTPClient *http.Client
}

// GraphChannel sends from an agent's linked Microsoft 365 mailbox.
type GraphChannel struct {
	channelBase
	cfg GraphConfig
}

type graphAddress struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

type graphMessage struct {
	Subject string `json:"subject"`
	Body    struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	ToRecipients []graphAddress    `json:"toRecipients"`
	ReplyTo      []graphAddress    `json:"replyTo"`
	Attachments  []graphAttachment `json:"attachments"`
}

type graphSendMail struct {
	Message         graphMessage `json:"message"`
	SaveToSentItems bool         `json:"saveToSentItems"`
}

type graphRequest struct {
	client *http.Client
	body   graphSendMail
}

// NewGraphChannel builds the channel.
func NewGraphChannel(cfg GraphConfig, opts ...ChannelOption) *GraphChannel {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGraphBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &GraphChannel{channelBase: newChannelBase("graph-api", opts), cfg: cfg}
}

// Provider implements Channel.
func (c *GraphChannel) Provider() models.Provider { return models.ProviderMicrosoft }

// Build resolves the mailbox address from /me and assembles the sendMail body.
func (c *GraphChannel) Build(ctx context.Context, env Envelope) (ProviderRequest, error) {
	if env.Account == nil {
		return ProviderRequest{}, models.ErrAccountNotLinked
	}
	client := c.client(ctx, env.Account)
	var from string
	err := c.execute(func() error {
		var err error
		from, err = c.profile(ctx, client)
		return err
	})
	if err != nil {
		return ProviderRequest{}, err
	}
	env.From = from

	msg := graphMessage{
		Subject:      env.Subject,
		ToRecipients: []graphAddress{newGraphAddress(env.To)},
		ReplyTo:      []graphAddress{newGraphAddress(env.ReplyTo)},
		Attachments:  []graphAttachment{},
	}
	msg.Body.ContentType = "HTML"
	msg.Body.Content = env.HTMLBody
	if env.Attachment != nil {
		if _, err := DecodeAttachment(env.Attachment); err != nil {
			return ProviderRequest{}, err
		}
		msg.Attachments = append(msg.Attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         env.Attachment.Name,
			ContentType:  attachmentType(env.Attachment),
			ContentBytes: attachmentBase64(env.Attachment),
		})
	}
	return ProviderRequest{
		Provider: models.ProviderMicrosoft,
		Envelope: env,
		Payload:  graphRequest{client: client, body: graphSendMail{Message: msg, SaveToSentItems: true}},
	}, nil
}

// Send implements Channel.
func (c *GraphChannel) Send(ctx context.Context, req ProviderRequest) error {
	payload, ok := req.Payload.(graphRequest)
	if !ok {
		return errors.New("graph: unexpected payload")
	}
	body, err := json.Marshal(payload.body)
	if err != nil {
		return err
	}
	return c.execute(func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/me/sendMail", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := payload.client.Do(httpReq)
		if err != nil {
			return &ProviderError{Provider: models.ProviderMicrosoft, Body: err.Error(), Err: err}
		}
		defer resp.Body.Close()
		if err := graphStatus(resp); err != nil {
			return err
		}
		c.logf(logrus.Fields{"ticket_id": req.Envelope.TicketID, "to": req.Envelope.To}, "graph: reply sent")
		return nil
	})
}

func (c *GraphChannel) profile(ctx context.Context, client *http.Client) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/me", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", &ProviderError{Provider: models.ProviderMicrosoft, Body: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	if err := graphStatus(resp); err != nil {
		return "", err
	}
	var me struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		return "", &ProviderError{Provider: models.ProviderMicrosoft, StatusCode: resp.StatusCode, Body: fmt.Sprintf("decode profile: %v", err), Err: err}
	}
	if me.Mail != "" {
		return me.Mail, nil
	}
	return me.UserPrincipalName, nil
}

func (c *GraphChannel) client(ctx context.Context, acct *models.LinkedAccount) *http.Client {
	base := c.cfg.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: acct.AccessToken, TokenType: "Bearer"}))
}

func graphStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &ProviderError{Provider: models.ProviderMicrosoft, StatusCode: resp.StatusCode, Body: string(body)}
}

func newGraphAddress(addr string) graphAddress {
	var a graphAddress
	a.EmailAddress.Address = addr
	return a
}
