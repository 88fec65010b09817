package outbound

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/mailbridge/internal/models"
)

// SMTPConfig configures the SMTP transport for SUPPORT replies.
type SMTPConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	AuthType   string // plain (default) or login
	TLSMode    string // "", starttls or smtps
	SkipVerify bool
	From       string // overrides the routing address as envelope sender
}

// SMTPChannel sends SUPPORT replies through a relay instead of SES.
type SMTPChannel struct {
	channelBase
	cfg SMTPConfig
}

// NewSMTPChannel builds the channel.
func NewSMTPChannel(cfg SMTPConfig, opts ...ChannelOption) *SMTPChannel {
	return &SMTPChannel{channelBase: newChannelBase("smtp", opts), cfg: cfg}
}

// Provider implements Channel.
func (c *SMTPChannel) Provider() models.Provider { return models.ProviderSupport }

// Build implements Channel.
func (c *SMTPChannel) Build(ctx context.Context, env Envelope) (ProviderRequest, error) {
	env.From = env.ReplyTo
	if c.cfg.From != "" {
		env.From = c.cfg.From
	}
	raw, err := BuildMIME(env)
	if err != nil {
		return ProviderRequest{}, err
	}
	return ProviderRequest{Provider: models.ProviderSupport, Envelope: env, Raw: raw}, nil
}

// Send implements Channel.
func (c *SMTPChannel) Send(ctx context.Context, req ProviderRequest) error {
	if len(req.Raw) == 0 {
		return errors.New("smtp: empty message")
	}
	return c.execute(func() error {
		if err := c.deliver(ctx, req.Envelope.From, req.Envelope.To, req.Raw); err != nil {
			return smtpError(err)
		}
		c.logf(logrus.Fields{"ticket_id": req.Envelope.TicketID, "to": req.Envelope.To}, "smtp: reply sent")
		return nil
	})
}

func (c *SMTPChannel) deliver(ctx context.Context, from, to string, raw []byte) error {
	client, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := c.authenticate(client); err != nil {
		return err
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient %s: %w", to, err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to initiate data transfer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data transfer: %w", err)
	}
	if err := client.Quit(); err != nil {
		return fmt.Errorf("failed to quit SMTP session: %w", err)
	}
	return nil
}

func (c *SMTPChannel) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	tlsConfig := &tls.Config{
		ServerName:         c.cfg.Host,
		InsecureSkipVerify: c.cfg.SkipVerify,
	}
	dialer := &net.Dialer{}
	mode := strings.ToLower(strings.TrimSpace(c.cfg.TLSMode))

	var conn net.Conn
	var err error
	if mode == "smtps" {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}
	if mode == "starttls" {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	return client, nil
}

func (c *SMTPChannel) authenticate(client *smtp.Client) error {
	if c.cfg.User == "" || c.cfg.Password == "" {
		return nil
	}
	var auth smtp.Auth
	switch strings.ToLower(strings.TrimSpace(c.cfg.AuthType)) {
	case "login":
		auth = &loginAuth{username: c.cfg.User, password: c.cfg.Password}
	default:
		auth = smtp.PlainAuth("", c.cfg.User, c.cfg.Password, c.cfg.Host)
	}
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP authentication failed: %w", err)
	}
	return nil
}

// smtpError keeps the server reply code. 4xx SMTP replies are transient and
// map to 503, 5xx to 502.
func smtpError(err error) error {
	pe := &ProviderError{Provider: models.ProviderSupport, Body: err.Error(), Err: err, StatusCode: 502}
	var te *textproto.Error
	if errors.As(err, &te) && te.Code >= 400 && te.Code < 500 {
		pe.StatusCode = 503
	}
	return pe
}

// loginAuth implements SMTP LOGIN authentication
type loginAuth struct {
	username, password string
}

func (a *loginAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", []byte{}, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		switch string(fromServer) {
		case "Username:":
			return []byte(a.username), nil
		case "Password:":
			return []byte(a.password), nil
		default:
			return nil, fmt.Errorf("unexpected server challenge: %s", fromServer)
		}
	}
	return nil, nil
}
