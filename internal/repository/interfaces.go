package repository

import (
	"context"

	"github.com/gotrs-io/mailbridge/internal/models"
)

// LogKind names the owner type of a conversation log.
type LogKind string

const (
	LogTicket LogKind = "ticket"
	LogThread LogKind = "thread"
)

// MessageOwner is the message index value: the log that first recorded a message id.
// Ref is the ticket id for LogTicket and the email thread id for LogThread.
type MessageOwner struct {
	Kind LogKind `db:"owner_kind"`
	Ref  string  `db:"owner_ref"`
}

// OrganizationRepository resolves tenants.
type OrganizationRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Organization, error)
	GetByRoutingAddress(ctx context.Context, address string) (*models.Organization, error)
}

// AccountRepository looks up OAuth mailboxes linked by agents.
type AccountRepository interface {
	GetLinkedAccount(ctx context.Context, userID int64, provider models.Provider) (*models.LinkedAccount, error)
}

// CustomerRepository manages customers keyed by (organization, email).
type CustomerRepository interface {
	FindOrCreate(ctx context.Context, orgID int64, email string) (*models.Customer, error)
}

// TicketRepository reads and creates tickets. Create seeds the log from
// ticket.Conversations and returns models.ErrTicketIDTaken on id collision.
type TicketRepository interface {
	GetByTicketID(ctx context.Context, orgID int64, ticketID string) (*models.Ticket, error)
	Create(ctx context.Context, ticket *models.Ticket) error
}

// EmailThreadRepository reads threads and flips them to processed once merged.
type EmailThreadRepository interface {
	GetByThreadID(ctx context.Context, orgID int64, threadID string) (*models.EmailThread, error)
	GetByID(ctx context.Context, orgID, id int64) (*models.EmailThread, error)
	List(ctx context.Context, orgID int64, limit, offset int) ([]*models.EmailThread, error)
	MarkProcessed(ctx context.Context, orgID int64, threadID, ticketID string) error
}

// MessageIndex maps (organization, message id) to the owning log.
// LookupMessage returns nil, nil when the message id is unknown.
type MessageIndex interface {
	LookupMessage(ctx context.Context, orgID int64, messageID string) (*MessageOwner, error)
}

// ConversationStore appends to conversation logs. Logs are insert-only; a
// message id already present in the log (or, for inbound appends, anywhere in
// the organization) yields models.ErrDuplicateMessage.
type ConversationStore interface {
	AppendToTicket(ctx context.Context, orgID int64, ticketID string, entry models.ConversationEntry, markNew bool) (*models.Ticket, error)
	RecordReply(ctx context.Context, orgID int64, ticketID string, entry models.ConversationEntry, subject string) (*models.Ticket, error)
	AppendToThread(ctx context.Context, orgID int64, threadID string, entry models.ConversationEntry) (*models.EmailThread, error)
	CreateThread(ctx context.Context, orgID int64, entry models.ConversationEntry, subject, from string) (*models.EmailThread, error)
	MergeIntoTicket(ctx context.Context, orgID int64, ticketID string, entries []models.ConversationEntry) (*models.Ticket, int, error)
}

// Store is everything the correlation and merge services need from persistence.
type Store interface {
	CustomerRepository
	TicketRepository
	EmailThreadRepository
	MessageIndex
	ConversationStore
}
