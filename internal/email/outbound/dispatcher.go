package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/mailbridge/internal/email/inbound/filters"
	"github.com/gotrs-io/mailbridge/internal/metrics"
	"github.com/gotrs-io/mailbridge/internal/models"
	"github.com/gotrs-io/mailbridge/internal/notifications"
	"github.com/gotrs-io/mailbridge/internal/repository"
)

// DefaultTimeout bounds one provider dispatch, profile lookup included.
const DefaultTimeout = 30 * time.Second

// ReplyRequest is an agent reply to a ticket.
type ReplyRequest struct {
	OrganizationID int64
	UserID         int64
	TicketID       string
	Provider       string
	Subject        string
	Message        string
	Attachment     *models.Attachment
}

// ReplyStore is what the dispatcher needs from persistence.
type ReplyStore interface {
	GetByTicketID(ctx context.Context, orgID int64, ticketID string) (*models.Ticket, error)
	RecordReply(ctx context.Context, orgID int64, ticketID string, entry models.ConversationEntry, subject string) (*models.Ticket, error)
}

// Dispatcher sends agent replies and records them once the provider accepted them.
type Dispatcher struct {
	store    ReplyStore
	orgs     repository.OrganizationRepository
	accounts repository.AccountRepository
	channels map[models.Provider]Channel
	notifier notifications.Notifier
	logger   logrus.FieldLogger
	timeout  time.Duration
	now      func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchTimeout overrides DefaultTimeout.
func WithDispatchTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithDispatchNotifier sets where ticket updates are pushed.
func WithDispatchNotifier(n notifications.Notifier) DispatcherOption {
	return func(disp *Dispatcher) { disp.notifier = n }
}

// WithDispatchLogger sets the logger.
func WithDispatchLogger(logger logrus.FieldLogger) DispatcherOption {
	return func(disp *Dispatcher) { disp.logger = logger }
}

// WithDispatchClock overrides the entry timestamp source.
func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(disp *Dispatcher) {
		if now != nil {
			disp.now = now
		}
	}
}

// NewDispatcher registers one channel per provider; a later channel for the
// same provider replaces an earlier one.
func NewDispatcher(store ReplyStore, orgs repository.OrganizationRepository, accounts repository.AccountRepository, channels []Channel, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		orgs:     orgs,
		accounts: accounts,
		channels: make(map[models.Provider]Channel, len(channels)),
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, ch := range channels {
		if ch != nil {
			d.channels[ch.Provider()] = ch
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SendReply dispatches the reply and, only after the provider accepted it,
// appends a support entry, stores the subject and clears the unread flag.
// Provider failures come back as *ProviderError and leave the ticket untouched.
func (d *Dispatcher) SendReply(ctx context.Context, req ReplyRequest) (*models.Ticket, error) {
	provider, err := models.ParseProvider(req.Provider)
	if err != nil {
		return nil, err
	}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" || strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("subject and message are required: %w", models.ErrInvalidInput)
	}
	if req.Attachment != nil && strings.TrimSpace(req.Attachment.Data) == "" {
		req.Attachment = nil
	}

	ticket, err := d.store.GetByTicketID(ctx, req.OrganizationID, req.TicketID)
	if err != nil {
		return nil, err
	}
	if ticket.CustomerEmail == "" {
		return nil, fmt.Errorf("ticket %s has no customer address: %w", ticket.TicketID, models.ErrInvalidInput)
	}
	org, err := d.orgs.GetByID(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}

	env := Envelope{
		OrganizationID: org.ID,
		TicketID:       ticket.TicketID,
		To:             ticket.CustomerEmail,
		ReplyTo:        org.RoutingAddress,
		Subject:        filters.StampSubject(subject, ticket.TicketID),
		HTMLBody:       req.Message,
		Attachment:     req.Attachment,
		MessageID:      messageID(org.RoutingAddress),
		Date:           d.now(),
	}
	if provider.RequiresLinkedAccount() {
		acct, err := d.accounts.GetLinkedAccount(ctx, req.UserID, provider)
		if err != nil {
			return nil, err
		}
		env.Account = acct
	}
	ch, ok := d.channels[provider]
	if !ok {
		return nil, fmt.Errorf("%s: %w", provider, ErrChannelNotConfigured)
	}

	if err := d.dispatch(ctx, ch, env); err != nil {
		return nil, err
	}

	entry := models.ConversationEntry{
		Role:      models.RoleSupport,
		Text:      req.Message,
		Timestamp: d.now().UTC(),
	}
	if req.Attachment != nil {
		entry.Attachments = models.Attachments{*req.Attachment}.WithoutData()
	}
	updated, err := d.store.RecordReply(ctx, req.OrganizationID, ticket.TicketID, entry, subject)
	if err != nil {
		return nil, fmt.Errorf("record reply: %w", err)
	}
	d.notify(ctx, notifications.Event{Type: notifications.EventTicketUpdated, OrganizationID: req.OrganizationID, TicketID: updated.TicketID, Payload: updated})
	return updated, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, ch Channel, env Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	provider := string(ch.Provider())
	start := time.Now()
	err := func() error {
		req, err := ch.Build(ctx, env)
		if err != nil {
			return err
		}
		return ch.Send(ctx, req)
	}()
	metrics.DispatchLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.Dispatches.WithLabelValues(provider, "sent").Inc()
		d.logf(logrus.Fields{"provider": provider, "ticket_id": env.TicketID}, "reply dispatched")
		return nil
	}
	metrics.Dispatches.WithLabelValues(provider, "failed").Inc()
	if errors.Is(err, models.ErrInvalidInput) || errors.Is(err, models.ErrAccountNotLinked) {
		return err
	}
	pe := asProviderError(ch.Provider(), err)
	if errors.Is(err, context.DeadlineExceeded) && pe.StatusCode == 0 {
		pe.StatusCode = 504
	}
	if d.logger != nil {
		d.logger.WithFields(logrus.Fields{"provider": provider, "ticket_id": env.TicketID, "status": pe.StatusCode}).WithError(err).Warn("reply dispatch failed")
	}
	return pe
}

// messageID builds a Message-ID in the routing address's domain.
func messageID(routing string) string {
	domain := "localhost"
	if i := strings.LastIndex(routing, "@"); i >= 0 && i < len(routing)-1 {
		domain = routing[i+1:]
	}
	return uuid.NewString() + "@" + domain
}

func (d *Dispatcher) notify(ctx context.Context, event notifications.Event) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, event); err != nil && d.logger != nil {
		d.logger.WithError(err).WithField("event", event.Type).Warn("dispatch: notify failed")
	}
}

func (d *Dispatcher) logf(fields logrus.Fields, msg string) {
	if d.logger == nil {
		return
	}
	d.logger.WithFields(fields).Info(msg)
}
