package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gotrs-io/mailbridge/internal/models"
)

type logKey struct {
	org int64
	ref string
}

// MemoryStore implements Store with in-memory storage.
// This is for development/testing. Production should use the SQL implementation.
// A single lock serializes every log mutation, so concurrent appends never lose
// entries and duplicate deliveries race on the same index check.
type MemoryStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	nextID    int64
	customers map[logKey]*models.Customer
	tickets   map[logKey]*models.Ticket
	threads   map[logKey]*models.EmailThread
	threadIDs map[int64]logKey
	index     map[logKey]MessageOwner
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the time source.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:       time.Now,
		nextID:    1,
		customers: make(map[logKey]*models.Customer),
		tickets:   make(map[logKey]*models.Ticket),
		threads:   make(map[logKey]*models.EmailThread),
		threadIDs: make(map[int64]logKey),
		index:     make(map[logKey]MessageOwner),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) id() int64 {
	id := s.nextID
	s.nextID++
	return id
}

// FindOrCreate returns the customer for (orgID, email), creating it on first contact.
func (s *MemoryStore) FindOrCreate(ctx context.Context, orgID int64, email string) (*models.Customer, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("customer email: %w", models.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := logKey{orgID, email}
	if c, ok := s.customers[key]; ok {
		cp := *c
		return &cp, nil
	}
	c := &models.Customer{ID: s.id(), OrganizationID: orgID, Email: email, CreatedAt: s.now()}
	s.customers[key] = c
	cp := *c
	return &cp, nil
}

// GetByTicketID returns a copy of the ticket with its log.
func (s *MemoryStore) GetByTicketID(ctx context.Context, orgID int64, ticketID string) (*models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[logKey{orgID, ticketID}]
	if !ok {
		return nil, models.ErrTicketNotFound
	}
	return cloneTicket(t), nil
}

// Create stores a new ticket, seeding its log from ticket.Conversations.
func (s *MemoryStore) Create(ctx context.Context, ticket *models.Ticket) error {
	if ticket == nil || ticket.TicketID == "" {
		return fmt.Errorf("ticket id: %w", models.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := logKey{ticket.OrganizationID, ticket.TicketID}
	if _, exists := s.tickets[key]; exists {
		return models.ErrTicketIDTaken
	}
	now := s.now()
	stored := cloneTicket(ticket)
	stored.ID = s.id()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Conversations = nil
	for _, e := range ticket.Conversations {
		if stored.HasMessageID(e.MessageID) {
			continue
		}
		stored.Conversations = append(stored.Conversations, e)
		s.claimIgnore(ticket.OrganizationID, e.MessageID, MessageOwner{Kind: LogTicket, Ref: ticket.TicketID})
	}
	if stored.CustomData == nil {
		stored.CustomData = models.JSONMap{}
	}
	if c := s.customerByID(stored.CustomerID); c != nil {
		stored.CustomerEmail = c.Email
	}
	s.tickets[key] = stored

	*ticket = *cloneTicket(stored)
	return nil
}

// GetByThreadID returns a copy of the thread identified by its root message id.
func (s *MemoryStore) GetByThreadID(ctx context.Context, orgID int64, threadID string) (*models.EmailThread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[logKey{orgID, threadID}]
	if !ok {
		return nil, models.ErrThreadNotFound
	}
	return cloneThread(t), nil
}

// GetByID returns a copy of the thread with the numeric id.
func (s *MemoryStore) GetByID(ctx context.Context, orgID, id int64) (*models.EmailThread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.threadIDs[id]
	if !ok || key.org != orgID {
		return nil, models.ErrThreadNotFound
	}
	return cloneThread(s.threads[key]), nil
}

// List returns the organization's threads, newest first.
func (s *MemoryStore) List(ctx context.Context, orgID int64, limit, offset int) ([]*models.EmailThread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.EmailThread
	for key, t := range s.threads {
		if key.org == orgID {
			out = append(out, cloneThread(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if offset > 0 {
		if offset >= len(out) {
			return []*models.EmailThread{}, nil
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// MarkProcessed flags the thread as merged into ticketID.
func (s *MemoryStore) MarkProcessed(ctx context.Context, orgID int64, threadID, ticketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[logKey{orgID, threadID}]
	if !ok {
		return models.ErrThreadNotFound
	}
	t.Processed = true
	t.LinkedTicketID = ticketID
	t.UpdatedAt = s.now()
	return nil
}

// LookupMessage implements MessageIndex.
func (s *MemoryStore) LookupMessage(ctx context.Context, orgID int64, messageID string) (*MessageOwner, error) {
	if messageID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.index[logKey{orgID, messageID}]
	if !ok {
		return nil, nil
	}
	return &owner, nil
}

// AppendToTicket appends an inbound entry and sets the unread flag.
func (s *MemoryStore) AppendToTicket(ctx context.Context, orgID int64, ticketID string, entry models.ConversationEntry, markNew bool) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[logKey{orgID, ticketID}]
	if !ok {
		return nil, models.ErrTicketNotFound
	}
	if entry.MessageID != "" {
		if t.HasMessageID(entry.MessageID) || !s.claim(orgID, entry.MessageID, MessageOwner{Kind: LogTicket, Ref: ticketID}) {
			return nil, models.ErrDuplicateMessage
		}
	}
	t.Conversations = append(t.Conversations, entry)
	t.IsNew = markNew
	t.UpdatedAt = s.now()
	return cloneTicket(t), nil
}

// RecordReply appends an outbound entry, stores the sent subject and clears the unread flag.
func (s *MemoryStore) RecordReply(ctx context.Context, orgID int64, ticketID string, entry models.ConversationEntry, subject string) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[logKey{orgID, ticketID}]
	if !ok {
		return nil, models.ErrTicketNotFound
	}
	if entry.MessageID != "" {
		if t.HasMessageID(entry.MessageID) {
			return nil, models.ErrDuplicateMessage
		}
		s.claimIgnore(orgID, entry.MessageID, MessageOwner{Kind: LogTicket, Ref: ticketID})
	}
	t.Conversations = append(t.Conversations, entry)
	if subject != "" {
		t.Subject = subject
	}
	t.IsNew = false
	t.UpdatedAt = s.now()
	return cloneTicket(t), nil
}

// AppendToThread appends an inbound entry to an existing thread.
func (s *MemoryStore) AppendToThread(ctx context.Context, orgID int64, threadID string, entry models.ConversationEntry) (*models.EmailThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[logKey{orgID, threadID}]
	if !ok {
		return nil, models.ErrThreadNotFound
	}
	if entry.MessageID != "" && !s.claim(orgID, entry.MessageID, MessageOwner{Kind: LogThread, Ref: threadID}) {
		return nil, models.ErrDuplicateMessage
	}
	t.Conversations = append(t.Conversations, entry)
	t.IsNew = true
	t.UpdatedAt = s.now()
	return cloneThread(t), nil
}

// CreateThread starts a new thread rooted at entry. Without a message id the
// thread gets a generated id and is never matched by correlation.
func (s *MemoryStore) CreateThread(ctx context.Context, orgID int64, entry models.ConversationEntry, subject, from string) (*models.EmailThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	threadID := entry.MessageID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	key := logKey{orgID, threadID}
	if _, exists := s.threads[key]; exists {
		return nil, models.ErrDuplicateMessage
	}
	if entry.MessageID != "" && !s.claim(orgID, entry.MessageID, MessageOwner{Kind: LogThread, Ref: threadID}) {
		return nil, models.ErrDuplicateMessage
	}
	if strings.TrimSpace(subject) == "" {
		subject = models.DefaultThreadSubject
	}
	now := s.now()
	t := &models.EmailThread{
		ID:             s.id(),
		EmailThreadID:  threadID,
		OrganizationID: orgID,
		Email:          from,
		Subject:        subject,
		InReplyTo:      entry.InReplyTo,
		IsNew:          true,
		CreatedAt:      now,
		UpdatedAt:      now,
		Conversations:  []models.ConversationEntry{entry},
	}
	s.threads[key] = t
	s.threadIDs[t.ID] = key
	return cloneThread(t), nil
}

// MergeIntoTicket appends entries whose message id is not yet in the ticket log.
func (s *MemoryStore) MergeIntoTicket(ctx context.Context, orgID int64, ticketID string, entries []models.ConversationEntry) (*models.Ticket, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[logKey{orgID, ticketID}]
	if !ok {
		return nil, 0, models.ErrTicketNotFound
	}
	appended := 0
	for _, e := range entries {
		if t.HasMessageID(e.MessageID) {
			continue
		}
		t.Conversations = append(t.Conversations, e)
		s.claimIgnore(orgID, e.MessageID, MessageOwner{Kind: LogTicket, Ref: ticketID})
		appended++
	}
	if appended > 0 {
		t.UpdatedAt = s.now()
	}
	return cloneTicket(t), appended, nil
}

// claim records the owner of messageID and reports false if it was already taken.
func (s *MemoryStore) claim(orgID int64, messageID string, owner MessageOwner) bool {
	key := logKey{orgID, messageID}
	if _, taken := s.index[key]; taken {
		return false
	}
	s.index[key] = owner
	return true
}

func (s *MemoryStore) claimIgnore(orgID int64, messageID string, owner MessageOwner) {
	if messageID != "" {
		s.claim(orgID, messageID, owner)
	}
}

func (s *MemoryStore) customerByID(id int64) *models.Customer {
	for _, c := range s.customers {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func cloneEntries(in []models.ConversationEntry) []models.ConversationEntry {
	if in == nil {
		return nil
	}
	out := make([]models.ConversationEntry, len(in))
	copy(out, in)
	return out
}

func cloneTicket(t *models.Ticket) *models.Ticket {
	cp := *t
	cp.Conversations = cloneEntries(t.Conversations)
	if t.CustomData != nil {
		cp.CustomData = make(models.JSONMap, len(t.CustomData))
		for k, v := range t.CustomData {
			cp.CustomData[k] = v
		}
	}
	return &cp
}

func cloneThread(t *models.EmailThread) *models.EmailThread {
	cp := *t
	cp.Conversations = cloneEntries(t.Conversations)
	return &cp
}
