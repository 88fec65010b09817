package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/mailbridge/internal/metrics"
	"github.com/gotrs-io/mailbridge/internal/models"
	"github.com/gotrs-io/mailbridge/internal/notifications"
	"github.com/gotrs-io/mailbridge/internal/repository"
	"github.com/gotrs-io/mailbridge/internal/ticketnumber"
)

// MergedFromGmail marks entries folded in from an agent's linked mailbox.
const MergedFromGmail = "gmail"

const maxTicketIDAttempts = 5

// MergeResult summarizes a merge.
type MergeResult struct {
	TicketID           string         `json:"ticket_id,omitempty"`
	Created            bool           `json:"created"`
	TotalConversations int            `json:"total_conversations"`
	Appended           int            `json:"appended"`
	Ticket             *models.Ticket `json:"ticket,omitempty"`
}

// MergeConversationsInput carries an ad hoc conversation with no stored thread.
type MergeConversationsInput struct {
	Conversations []models.ConversationEntry `json:"conversations"`
	TicketID      string                     `json:"ticketId"`
	Email         string                     `json:"email"`
	Subject       string                     `json:"subject"`
}

// MergeService folds conversation logs into tickets. Both entry points create
// the customer and ticket when no target ticket is given.
type MergeService struct {
	store     repository.Store
	generator ticketnumber.Generator
	notifier  notifications.Notifier
	logger    logrus.FieldLogger
	now       func() time.Time
}

// MergeOption configures MergeService.
type MergeOption func(*MergeService)

// WithMergeGenerator overrides the ticket id generator.
func WithMergeGenerator(g ticketnumber.Generator) MergeOption {
	return func(s *MergeService) {
		if g != nil {
			s.generator = g
		}
	}
}

// WithMergeNotifier sets where change events are pushed.
func WithMergeNotifier(n notifications.Notifier) MergeOption {
	return func(s *MergeService) { s.notifier = n }
}

// WithMergeLogger sets the logger.
func WithMergeLogger(logger logrus.FieldLogger) MergeOption {
	return func(s *MergeService) { s.logger = logger }
}

// WithMergeClock overrides the merged_at timestamp source.
func WithMergeClock(now func() time.Time) MergeOption {
	return func(s *MergeService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMergeService constructs the service.
func NewMergeService(store repository.Store, opts ...MergeOption) *MergeService {
	s := &MergeService{
		store:     store,
		generator: ticketnumber.NewRandom(ticketnumber.Config{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TicketRef normalizes an optional ticket id from a request. Clients send
// "null" and "undefined" when no ticket is selected.
func TicketRef(raw string) string {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "", "null", "undefined":
		return ""
	}
	return raw
}

// MergeThreadOrCreateTicket folds a stored email thread into ticketID, or into
// a new ticket for the thread's sender when ticketID is empty. The thread is
// then marked processed and linked to the ticket.
func (s *MergeService) MergeThreadOrCreateTicket(ctx context.Context, orgID int64, threadRef, ticketID string) (*MergeResult, error) {
	thread, err := s.LookupThread(ctx, orgID, threadRef)
	if err != nil {
		return nil, err
	}
	ticketID = TicketRef(ticketID)
	if ticketID == "" && thread.Terminal() {
		// Merging an already merged thread again lands on its ticket.
		ticketID = thread.LinkedTicketID
	}

	entries := s.stamp(thread.Conversations, thread.EmailThreadID)
	res, err := s.fold(ctx, orgID, ticketID, entries, func() (*models.Ticket, error) {
		subject := strings.TrimSpace(thread.Subject)
		if subject == "" || subject == models.DefaultThreadSubject {
			subject = models.DefaultTicketSubject
		}
		return s.createTicket(ctx, orgID, thread.Email, subject,
			models.JSONMap{"merged_from_email_thread": thread.EmailThreadID}, entries)
	})
	if err != nil {
		return nil, err
	}
	if res.TicketID != "" {
		if err := s.store.MarkProcessed(ctx, orgID, thread.EmailThreadID, res.TicketID); err != nil {
			return nil, fmt.Errorf("mark thread processed: %w", err)
		}
		s.notify(ctx, notifications.Event{Type: notifications.EventEmailUpdated, OrganizationID: orgID, ThreadID: thread.EmailThreadID, TicketID: res.TicketID})
	}
	metrics.Merges.WithLabelValues("email_thread", metrics.Bool(res.Created)).Inc()
	s.logf(logrus.Fields{"organization_id": orgID, "email_thread_id": thread.EmailThreadID, "ticket_id": res.TicketID, "created": res.Created, "appended": res.Appended}, "merged email thread")
	return res, nil
}

// MergeConversationsOrCreateTicket folds an ad hoc conversation into
// in.TicketID, or into a new ticket for in.Email when no ticket is given.
func (s *MergeService) MergeConversationsOrCreateTicket(ctx context.Context, orgID int64, in MergeConversationsInput) (*MergeResult, error) {
	ticketID := TicketRef(in.TicketID)
	email := strings.TrimSpace(in.Email)
	if ticketID == "" && email == "" && len(in.Conversations) > 0 {
		return nil, fmt.Errorf("email is required to create a ticket: %w", models.ErrInvalidInput)
	}
	entries := s.stamp(in.Conversations, MergedFromGmail)
	res, err := s.fold(ctx, orgID, ticketID, entries, func() (*models.Ticket, error) {
		subject := strings.TrimSpace(in.Subject)
		if subject == "" {
			subject = models.DefaultMergedSubject
		}
		return s.createTicket(ctx, orgID, email, subject, models.JSONMap{"created_from": "gmail_merge"}, entries)
	})
	if err != nil {
		return nil, err
	}
	metrics.Merges.WithLabelValues(MergedFromGmail, metrics.Bool(res.Created)).Inc()
	s.logf(logrus.Fields{"organization_id": orgID, "ticket_id": res.TicketID, "created": res.Created, "appended": res.Appended}, "merged ad hoc conversation")
	return res, nil
}

// fold appends entries to ticketID, or calls create when no ticket is given.
// An empty entry list never creates a ticket.
func (s *MergeService) fold(ctx context.Context, orgID int64, ticketID string, entries []models.ConversationEntry, create func() (*models.Ticket, error)) (*MergeResult, error) {
	if ticketID != "" {
		if len(entries) == 0 {
			ticket, err := s.store.GetByTicketID(ctx, orgID, ticketID)
			if err != nil {
				return nil, err
			}
			return resultFor(ticket, false, 0), nil
		}
		ticket, appended, err := s.store.MergeIntoTicket(ctx, orgID, ticketID, entries)
		if err != nil {
			return nil, err
		}
		if appended > 0 {
			s.notify(ctx, notifications.Event{Type: notifications.EventTicketUpdated, OrganizationID: orgID, TicketID: ticket.TicketID, Payload: ticket})
		}
		return resultFor(ticket, false, appended), nil
	}
	if len(entries) == 0 {
		return &MergeResult{}, nil
	}
	ticket, err := create()
	if err != nil {
		return nil, err
	}
	s.notify(ctx, notifications.Event{Type: notifications.EventTicketUpdated, OrganizationID: orgID, TicketID: ticket.TicketID, Payload: ticket})
	return resultFor(ticket, true, len(ticket.Conversations)), nil
}

func (s *MergeService) createTicket(ctx context.Context, orgID int64, email, subject string, custom models.JSONMap, entries []models.ConversationEntry) (*models.Ticket, error) {
	customer, err := s.store.FindOrCreate(ctx, orgID, email)
	if err != nil {
		return nil, fmt.Errorf("find or create customer: %w", err)
	}
	for attempt := 1; ; attempt++ {
		id, err := s.generator.Next(ctx)
		if err != nil {
			return nil, err
		}
		ticket := &models.Ticket{
			TicketID:       id,
			OrganizationID: orgID,
			CustomerID:     customer.ID,
			Subject:        subject,
			Status:         models.TicketStatusOpen,
			Priority:       models.TicketPriorityMedium,
			IsNew:          true,
			CustomData:     custom,
			Conversations:  entries,
		}
		err = s.store.Create(ctx, ticket)
		if err == nil {
			return ticket, nil
		}
		if !errors.Is(err, models.ErrTicketIDTaken) || attempt >= maxTicketIDAttempts {
			return nil, fmt.Errorf("create ticket: %w", err)
		}
		s.logf(logrus.Fields{"ticket_id": id, "attempt": attempt}, "ticket id collision, retrying")
	}
}

// LookupThread finds a thread by its email thread id, falling back to the
// numeric row id that older clients send as emailId.
func (s *MergeService) LookupThread(ctx context.Context, orgID int64, ref string) (*models.EmailThread, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("email id is required: %w", models.ErrInvalidInput)
	}
	thread, err := s.store.GetByThreadID(ctx, orgID, ref)
	if !errors.Is(err, models.ErrThreadNotFound) {
		return thread, err
	}
	if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		return s.store.GetByID(ctx, orgID, id)
	}
	return nil, err
}

// stamp copies entries, tagging them with their merge origin.
func (s *MergeService) stamp(in []models.ConversationEntry, from string) []models.ConversationEntry {
	if len(in) == 0 {
		return nil
	}
	now := s.now().UTC()
	out := make([]models.ConversationEntry, len(in))
	for i, e := range in {
		if !e.Role.Valid() {
			e.Role = models.RoleCustomer
		}
		if strings.TrimSpace(e.Text) == "" {
			e.Text = models.DefaultEntryText
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		e.MergedFrom = from
		e.MergedAt = &now
		out[i] = e
	}
	return out
}

func resultFor(ticket *models.Ticket, created bool, appended int) *MergeResult {
	return &MergeResult{
		TicketID:           ticket.TicketID,
		Created:            created,
		TotalConversations: len(ticket.Conversations),
		Appended:           appended,
		Ticket:             ticket,
	}
}

func (s *MergeService) notify(ctx context.Context, event notifications.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event); err != nil && s.logger != nil {
		s.logger.WithError(err).WithField("event", event.Type).Warn("merge: notify failed")
	}
}

func (s *MergeService) logf(fields logrus.Fields, msg string) {
	if s.logger == nil {
		return
	}
	s.logger.WithFields(fields).Info(msg)
}
