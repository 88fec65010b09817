package postmaster

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/mailbridge/internal/correlation"
	"github.com/gotrs-io/mailbridge/internal/email/inbound/filters"
	"github.com/gotrs-io/mailbridge/internal/metrics"
	"github.com/gotrs-io/mailbridge/internal/models"
	"github.com/gotrs-io/mailbridge/internal/notifications"
	"github.com/gotrs-io/mailbridge/internal/repository"
)

// TicketProcessor routes inbound messages to tickets and email threads.
type TicketProcessor struct {
	store      repository.Store
	correlator *correlation.ThreadCorrelator
	dedup      *correlation.DedupGuard
	notifier   notifications.Notifier
	logger     logrus.FieldLogger
	now        func() time.Time
}

// TicketProcessorOption customizes TicketProcessor.
type TicketProcessorOption func(*TicketProcessor)

// NewTicketProcessor builds a processor on top of the conversation store.
func NewTicketProcessor(store repository.Store, opts ...TicketProcessorOption) *TicketProcessor {
	tp := &TicketProcessor{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(tp)
		}
	}
	tp.correlator = correlation.NewThreadCorrelator(store, store, tp.logger)
	tp.dedup = correlation.NewDedupGuard(store)
	return tp
}

// WithTicketProcessorLogger overrides the logger used for diagnostics.
func WithTicketProcessorLogger(logger logrus.FieldLogger) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		if logger != nil {
			tp.logger = logger
		}
	}
}

// WithTicketProcessorNotifier sets where change events are pushed.
func WithTicketProcessorNotifier(n notifications.Notifier) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		if n != nil {
			tp.notifier = n
		}
	}
}

// WithTicketProcessorClock overrides the timestamp source for new entries.
func WithTicketProcessorClock(now func() time.Time) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		if now != nil {
			tp.now = now
		}
	}
}

// Process implements Processor.
//
// A subject tag routes straight to the ticket and bypasses dedup. Everything
// else is deduplicated by message id, then correlated through In-Reply-To.
func (tp *TicketProcessor) Process(ctx context.Context, meta *filters.MessageContext) (Result, error) {
	if meta == nil || meta.Message == nil || meta.Organization == nil {
		return Result{}, errors.New("postmaster: message context required")
	}
	if tp == nil || tp.store == nil {
		return Result{}, errors.New("postmaster: conversation store unavailable")
	}
	msg := meta.Message
	if meta.Bool(filters.AnnotationIgnoreMessage) {
		tp.logf(logrus.Fields{"message_id": msg.MessageID, "reason": meta.String(filters.AnnotationIgnoreReason)}, "postmaster: ignoring message")
		return Result{Action: ActionIgnored}, nil
	}
	orgID := meta.Organization.ID
	entry := tp.buildEntry(meta)

	if tag := meta.String(filters.AnnotationTicketTag); tag != "" {
		// Tickets take every tagged append; the message id is not recorded.
		entry.MessageID = ""
		return tp.appendToTicket(ctx, orgID, tag, entry)
	}

	seen, err := tp.dedup.Seen(ctx, orgID, entry.MessageID)
	if err != nil {
		return Result{}, err
	}
	if seen {
		tp.logf(logrus.Fields{"message_id": entry.MessageID}, "postmaster: duplicate delivery")
		return Result{Action: ActionDuplicate}, nil
	}

	match, err := tp.correlator.Correlate(ctx, orgID, entry.InReplyTo)
	if err != nil {
		return Result{}, err
	}
	via := match.Via
	if via == "" {
		via = "none"
	}
	metrics.Correlations.WithLabelValues(via).Inc()

	switch {
	case match.TicketID != "":
		return tp.appendToTicket(ctx, orgID, match.TicketID, entry)
	case match.Thread != nil:
		thread, err := tp.store.AppendToThread(ctx, orgID, match.Thread.EmailThreadID, entry)
		if errors.Is(err, models.ErrDuplicateMessage) {
			return Result{Action: ActionDuplicate, ThreadID: match.Thread.EmailThreadID}, nil
		}
		if err != nil {
			return Result{}, err
		}
		tp.notify(ctx, notifications.Event{Type: notifications.EventEmailUpdated, OrganizationID: orgID, ThreadID: thread.EmailThreadID, Payload: thread})
		return Result{Action: ActionThreadAppended, ThreadID: thread.EmailThreadID, Thread: thread}, nil
	}

	thread, err := tp.store.CreateThread(ctx, orgID, entry, strings.TrimSpace(msg.Subject), filters.NormalizeAddress(msg.From))
	if errors.Is(err, models.ErrDuplicateMessage) {
		return Result{Action: ActionDuplicate, ThreadID: entry.MessageID}, nil
	}
	if err != nil {
		return Result{}, err
	}
	tp.notify(ctx, notifications.Event{Type: notifications.EventEmailNew, OrganizationID: orgID, ThreadID: thread.EmailThreadID, Payload: thread})
	return Result{Action: ActionThreadCreated, ThreadID: thread.EmailThreadID, Thread: thread}, nil
}

func (tp *TicketProcessor) appendToTicket(ctx context.Context, orgID int64, ticketID string, entry models.ConversationEntry) (Result, error) {
	ticket, err := tp.store.AppendToTicket(ctx, orgID, ticketID, entry, true)
	if errors.Is(err, models.ErrDuplicateMessage) {
		return Result{Action: ActionDuplicate, TicketID: ticketID}, nil
	}
	if err != nil {
		return Result{}, err
	}
	tp.notify(ctx, notifications.Event{Type: notifications.EventTicketUpdated, OrganizationID: orgID, TicketID: ticket.TicketID, Payload: ticket})
	return Result{Action: ActionAppended, TicketID: ticket.TicketID, Ticket: ticket}, nil
}

func (tp *TicketProcessor) buildEntry(meta *filters.MessageContext) models.ConversationEntry {
	msg := meta.Message
	text := meta.String(filters.AnnotationBodyText)
	if text == "" {
		text = strings.TrimSpace(msg.HTMLBody)
	}
	if text == "" {
		text = models.DefaultEntryText
	}
	return models.ConversationEntry{
		Role:        models.RoleCustomer,
		Text:        text,
		Attachments: msg.Attachments,
		MessageID:   strings.TrimSpace(msg.MessageID),
		InReplyTo:   strings.TrimSpace(msg.InReplyTo),
		Timestamp:   tp.now().UTC(),
	}
}

func (tp *TicketProcessor) notify(ctx context.Context, event notifications.Event) {
	if tp.notifier == nil {
		return
	}
	event.At = tp.now()
	if err := tp.notifier.Notify(ctx, event); err != nil && tp.logger != nil {
		tp.logger.WithError(err).WithField("event", event.Type).Warn("postmaster: notify failed")
	}
}

func (tp *TicketProcessor) logf(fields logrus.Fields, msg string) {
	if tp == nil || tp.logger == nil {
		return
	}
	tp.logger.WithFields(fields).Info(msg)
}
