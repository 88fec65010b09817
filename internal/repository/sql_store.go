package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/mailbridge/internal/database"
	"github.com/gotrs-io/mailbridge/internal/models"
)

const ticketColumns = `t.id, t.ticket_id, t.organization_id, t.customer_id, t.subject, t.status,
	t.priority, t.is_new, t.custom_data, t.created_at, t.updated_at, COALESCE(c.email, '') AS customer_email`

const threadColumns = `id, email_thread_id, organization_id, email, subject, in_reply_to, is_new,
	processed, linked_ticket_id, created_at, updated_at`

const entryColumns = `id, log_id, role, body, attachments, message_id, in_reply_to, merged_from, merged_at, sent_at`

var entryInsertColumns = []string{
	"organization_id", "log_kind", "log_id", "role", "body", "attachments",
	"message_id", "in_reply_to", "merged_from", "merged_at", "sent_at",
}

type entryRow struct {
	ID          int64              `db:"id"`
	LogID       int64              `db:"log_id"`
	Role        string             `db:"role"`
	Body        string             `db:"body"`
	Attachments models.Attachments `db:"attachments"`
	MessageID   sql.NullString     `db:"message_id"`
	InReplyTo   string             `db:"in_reply_to"`
	MergedFrom  string             `db:"merged_from"`
	MergedAt    sql.NullTime       `db:"merged_at"`
	SentAt      time.Time          `db:"sent_at"`
}

func (r entryRow) entry() models.ConversationEntry {
	e := models.ConversationEntry{
		Role:        models.Role(r.Role),
		Text:        r.Body,
		Attachments: r.Attachments,
		MessageID:   r.MessageID.String,
		InReplyTo:   r.InReplyTo,
		Timestamp:   r.SentAt,
		MergedFrom:  r.MergedFrom,
	}
	if r.MergedAt.Valid {
		at := r.MergedAt.Time
		e.MergedAt = &at
	}
	return e
}

// SQLStore implements Store on PostgreSQL, MySQL or SQLite. Conversation logs
// are insert-only rows; the unique constraints on conversation_entries and
// message_index carry the dedup invariant, so no read-modify-write is needed.
type SQLStore struct {
	qb  *database.QueryBuilder
	now func() time.Time
}

// NewSQLStore returns a store over an open connection.
func NewSQLStore(qb *database.QueryBuilder) *SQLStore {
	return &SQLStore{qb: qb, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.qb.BeginTxx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) insertReturningID(ctx context.Context, tx *sqlx.Tx, query string, args ...any) (int64, error) {
	if s.qb.Dialect().SupportsReturning() {
		var id int64
		err := tx.QueryRowxContext(ctx, tx.Rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// claimMessage inserts the index row and reports whether this call won it.
func (s *SQLStore) claimMessage(ctx context.Context, tx *sqlx.Tx, orgID int64, messageID string, owner MessageOwner) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	q := s.qb.Dialect().InsertIgnore("message_index", "organization_id", "message_id", "owner_kind", "owner_ref")
	res, err := tx.ExecContext(ctx, tx.Rebind(q), orgID, messageID, string(owner.Kind), owner.Ref)
	if err != nil {
		return false, fmt.Errorf("index message %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// insertEntry reports false when the log already holds the entry's message id.
func (s *SQLStore) insertEntry(ctx context.Context, tx *sqlx.Tx, orgID int64, kind LogKind, logID int64, e models.ConversationEntry) (bool, error) {
	sentAt := e.Timestamp
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	var mergedAt any
	if e.MergedAt != nil {
		mergedAt = *e.MergedAt
	}
	q := s.qb.Dialect().InsertIgnore("conversation_entries", entryInsertColumns...)
	res, err := tx.ExecContext(ctx, tx.Rebind(q),
		orgID, string(kind), logID, string(e.Role), e.Text, e.Attachments,
		nullString(e.MessageID), e.InReplyTo, e.MergedFrom, mergedAt, sentAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert conversation entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) entries(ctx context.Context, kind LogKind, logID int64) ([]models.ConversationEntry, error) {
	var rows []entryRow
	q := "SELECT " + entryColumns + " FROM conversation_entries WHERE log_kind = ? AND log_id = ? ORDER BY id"
	if err := s.qb.SelectContext(ctx, &rows, q, string(kind), logID); err != nil {
		return nil, fmt.Errorf("load %s log: %w", kind, err)
	}
	out := make([]models.ConversationEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

func (s *SQLStore) ticketRowID(ctx context.Context, tx *sqlx.Tx, orgID int64, ticketID string) (int64, error) {
	var id int64
	q := tx.Rebind("SELECT id FROM tickets WHERE organization_id = ? AND ticket_id = ?")
	if err := tx.GetContext(ctx, &id, q, orgID, ticketID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, models.ErrTicketNotFound
		}
		return 0, fmt.Errorf("lookup ticket %s: %w", ticketID, err)
	}
	return id, nil
}

func (s *SQLStore) threadRowID(ctx context.Context, tx *sqlx.Tx, orgID int64, threadID string) (int64, error) {
	var id int64
	q := tx.Rebind("SELECT id FROM email_threads WHERE organization_id = ? AND email_thread_id = ?")
	if err := tx.GetContext(ctx, &id, q, orgID, threadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, models.ErrThreadNotFound
		}
		return 0, fmt.Errorf("lookup thread %s: %w", threadID, err)
	}
	return id, nil
}

// FindOrCreate returns the customer for (orgID, email), creating it on first contact.
func (s *SQLStore) FindOrCreate(ctx context.Context, orgID int64, email string) (*models.Customer, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("customer email: %w", models.ErrInvalidInput)
	}
	find := func() (*models.Customer, error) {
		var c models.Customer
		err := s.qb.GetContext(ctx, &c,
			"SELECT id, organization_id, email, created_at FROM customers WHERE organization_id = ? AND email = ?",
			orgID, email)
		if err != nil {
			return nil, err
		}
		return &c, nil
	}
	if c, err := find(); err == nil {
		return c, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup customer: %w", err)
	}

	c := &models.Customer{OrganizationID: orgID, Email: email, CreatedAt: s.now()}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		id, err := s.insertReturningID(ctx, tx,
			"INSERT INTO customers (organization_id, email, created_at) VALUES (?, ?, ?)",
			orgID, email, c.CreatedAt)
		c.ID = id
		return err
	})
	if database.IsUniqueViolation(err) {
		// lost the race to a concurrent first contact
		return find()
	}
	if err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	return c, nil
}

// GetByTicketID returns the ticket with its log.
func (s *SQLStore) GetByTicketID(ctx context.Context, orgID int64, ticketID string) (*models.Ticket, error) {
	var t models.Ticket
	err := s.qb.NewSelect(ticketColumns).
		From("tickets t").
		LeftJoin("customers c ON c.id = t.customer_id").
		Where("t.organization_id = ?", orgID).
		Where("t.ticket_id = ?", ticketID).
		GetContext(ctx, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket %s: %w", ticketID, err)
	}
	if t.Conversations, err = s.entries(ctx, LogTicket, t.ID); err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts the ticket and its seed log in one transaction.
func (s *SQLStore) Create(ctx context.Context, ticket *models.Ticket) error {
	if ticket == nil || ticket.TicketID == "" {
		return fmt.Errorf("ticket id: %w", models.ErrInvalidInput)
	}
	now := s.now()
	if ticket.CustomData == nil {
		ticket.CustomData = models.JSONMap{}
	}
	var seeded []models.ConversationEntry
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		id, err := s.insertReturningID(ctx, tx,
			`INSERT INTO tickets (ticket_id, organization_id, customer_id, subject, status, priority,
				is_new, custom_data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ticket.TicketID, ticket.OrganizationID, ticket.CustomerID, ticket.Subject, ticket.Status,
			ticket.Priority, ticket.IsNew, ticket.CustomData, now, now)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return models.ErrTicketIDTaken
			}
			return fmt.Errorf("insert ticket: %w", err)
		}
		ticket.ID = id
		owner := MessageOwner{Kind: LogTicket, Ref: ticket.TicketID}
		for _, e := range ticket.Conversations {
			ok, err := s.insertEntry(ctx, tx, ticket.OrganizationID, LogTicket, id, e)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if _, err := s.claimMessage(ctx, tx, ticket.OrganizationID, e.MessageID, owner); err != nil {
				return err
			}
			seeded = append(seeded, e)
		}
		return nil
	})
	if err != nil {
		return err
	}
	ticket.Conversations = seeded
	ticket.CreatedAt = now
	ticket.UpdatedAt = now
	return nil
}

func (s *SQLStore) getThread(ctx context.Context, where string, args ...any) (*models.EmailThread, error) {
	var t models.EmailThread
	sb := s.qb.NewSelect(threadColumns).From("email_threads")
	sb.Where(where, args...)
	err := sb.GetContext(ctx, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get email thread: %w", err)
	}
	if t.Conversations, err = s.entries(ctx, LogThread, t.ID); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetByThreadID returns the thread identified by its root message id.
func (s *SQLStore) GetByThreadID(ctx context.Context, orgID int64, threadID string) (*models.EmailThread, error) {
	return s.getThread(ctx, "organization_id = ? AND email_thread_id = ?", orgID, threadID)
}

// GetByID returns the thread with the numeric id.
func (s *SQLStore) GetByID(ctx context.Context, orgID, id int64) (*models.EmailThread, error) {
	return s.getThread(ctx, "organization_id = ? AND id = ?", orgID, id)
}

// List returns the organization's threads, newest first, with their logs.
func (s *SQLStore) List(ctx context.Context, orgID int64, limit, offset int) ([]*models.EmailThread, error) {
	var threads []*models.EmailThread
	sb := s.qb.NewSelect(threadColumns).
		From("email_threads").
		Where("organization_id = ?", orgID).
		OrderBy("created_at DESC", "id DESC")
	if limit > 0 {
		sb.Limit(limit)
	}
	if offset > 0 {
		sb.Offset(offset)
	}
	if err := sb.SelectContext(ctx, &threads); err != nil {
		return nil, fmt.Errorf("list email threads: %w", err)
	}
	if len(threads) == 0 {
		return []*models.EmailThread{}, nil
	}

	ids := make([]int64, len(threads))
	byID := make(map[int64]*models.EmailThread, len(threads))
	for i, t := range threads {
		ids[i] = t.ID
		byID[t.ID] = t
	}
	q, args, err := s.qb.In("SELECT "+entryColumns+" FROM conversation_entries WHERE log_kind = ? AND log_id IN (?) ORDER BY id",
		string(LogThread), ids)
	if err != nil {
		return nil, err
	}
	var rows []entryRow
	if err := s.qb.DB().SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("load thread logs: %w", err)
	}
	for _, r := range rows {
		if t := byID[r.LogID]; t != nil {
			t.Conversations = append(t.Conversations, r.entry())
		}
	}
	return threads, nil
}

// MarkProcessed flags the thread as merged into ticketID.
func (s *SQLStore) MarkProcessed(ctx context.Context, orgID int64, threadID, ticketID string) error {
	res, err := s.qb.ExecContext(ctx,
		"UPDATE email_threads SET processed = ?, linked_ticket_id = ?, updated_at = ? WHERE organization_id = ? AND email_thread_id = ?",
		true, ticketID, s.now(), orgID, threadID)
	if err != nil {
		return fmt.Errorf("mark thread processed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrThreadNotFound
	}
	return nil
}

// LookupMessage implements MessageIndex.
func (s *SQLStore) LookupMessage(ctx context.Context, orgID int64, messageID string) (*MessageOwner, error) {
	if messageID == "" {
		return nil, nil
	}
	var owner MessageOwner
	err := s.qb.GetContext(ctx, &owner,
		"SELECT owner_kind, owner_ref FROM message_index WHERE organization_id = ? AND message_id = ?",
		orgID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup message %s: %w", messageID, err)
	}
	return &owner, nil
}

// AppendToTicket appends an inbound entry and sets the unread flag.
func (s *SQLStore) AppendToTicket(ctx context.Context, orgID int64, ticketID string, entry models.ConversationEntry, markNew bool) (*models.Ticket, error) {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		id, err := s.ticketRowID(ctx, tx, orgID, ticketID)
		if err != nil {
			return err
		}
		won, err := s.claimMessage(ctx, tx, orgID, entry.MessageID, MessageOwner{Kind: LogTicket, Ref: ticketID})
		if err != nil {
			return err
		}
		if !won {
			return models.ErrDuplicateMessage
		}
		if ok, err := s.insertEntry(ctx, tx, orgID, LogTicket, id, entry); err != nil {
			return err
		} else if !ok {
			return models.ErrDuplicateMessage
		}
		_, err = tx.ExecContext(ctx, tx.Rebind("UPDATE tickets SET is_new = ?, updated_at = ? WHERE id = ?"), markNew, s.now(), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetByTicketID(ctx, orgID, ticketID)
}

// RecordReply appends an outbound entry, stores the sent subject and clears the unread flag.
func (s *SQLStore) RecordReply(ctx context.Context, orgID int64, ticketID string, entry models.ConversationEntry, subject string) (*models.Ticket, error) {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		id, err := s.ticketRowID(ctx, tx, orgID, ticketID)
		if err != nil {
			return err
		}
		if ok, err := s.insertEntry(ctx, tx, orgID, LogTicket, id, entry); err != nil {
			return err
		} else if !ok {
			return models.ErrDuplicateMessage
		}
		if _, err := s.claimMessage(ctx, tx, orgID, entry.MessageID, MessageOwner{Kind: LogTicket, Ref: ticketID}); err != nil {
			return err
		}
		if subject == "" {
			_, err = tx.ExecContext(ctx, tx.Rebind("UPDATE tickets SET is_new = ?, updated_at = ? WHERE id = ?"), false, s.now(), id)
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind("UPDATE tickets SET subject = ?, is_new = ?, updated_at = ? WHERE id = ?"),
			subject, false, s.now(), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetByTicketID(ctx, orgID, ticketID)
}

// AppendToThread appends an inbound entry to an existing thread.
func (s *SQLStore) AppendToThread(ctx context.Context, orgID int64, threadID string, entry models.ConversationEntry) (*models.EmailThread, error) {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		id, err := s.threadRowID(ctx, tx, orgID, threadID)
		if err != nil {
			return err
		}
		won, err := s.claimMessage(ctx, tx, orgID, entry.MessageID, MessageOwner{Kind: LogThread, Ref: threadID})
		if err != nil {
			return err
		}
		if !won {
			return models.ErrDuplicateMessage
		}
		if ok, err := s.insertEntry(ctx, tx, orgID, LogThread, id, entry); err != nil {
			return err
		} else if !ok {
			return models.ErrDuplicateMessage
		}
		_, err = tx.ExecContext(ctx, tx.Rebind("UPDATE email_threads SET is_new = ?, updated_at = ? WHERE id = ?"), true, s.now(), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetByThreadID(ctx, orgID, threadID)
}

// CreateThread starts a new thread rooted at entry. Without a message id the
// thread gets a generated id and is never matched by correlation.
func (s *SQLStore) CreateThread(ctx context.Context, orgID int64, entry models.ConversationEntry, subject, from string) (*models.EmailThread, error) {
	threadID := entry.MessageID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	if strings.TrimSpace(subject) == "" {
		subject = models.DefaultThreadSubject
	}
	now := s.now()
	thread := &models.EmailThread{
		EmailThreadID:  threadID,
		OrganizationID: orgID,
		Email:          from,
		Subject:        subject,
		InReplyTo:      entry.InReplyTo,
		IsNew:          true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		won, err := s.claimMessage(ctx, tx, orgID, entry.MessageID, MessageOwner{Kind: LogThread, Ref: threadID})
		if err != nil {
			return err
		}
		if !won {
			return models.ErrDuplicateMessage
		}
		id, err := s.insertReturningID(ctx, tx,
			`INSERT INTO email_threads (email_thread_id, organization_id, email, subject, in_reply_to,
				is_new, processed, linked_ticket_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			threadID, orgID, from, subject, entry.InReplyTo, true, false, "", now, now)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return models.ErrDuplicateMessage
			}
			return fmt.Errorf("insert email thread: %w", err)
		}
		thread.ID = id
		_, err = s.insertEntry(ctx, tx, orgID, LogThread, id, entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	thread.Conversations = []models.ConversationEntry{entry}
	return thread, nil
}

// MergeIntoTicket appends entries whose message id is not yet in the ticket log.
func (s *SQLStore) MergeIntoTicket(ctx context.Context, orgID int64, ticketID string, entries []models.ConversationEntry) (*models.Ticket, int, error) {
	appended := 0
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		id, err := s.ticketRowID(ctx, tx, orgID, ticketID)
		if err != nil {
			return err
		}
		owner := MessageOwner{Kind: LogTicket, Ref: ticketID}
		for _, e := range entries {
			ok, err := s.insertEntry(ctx, tx, orgID, LogTicket, id, e)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			appended++
			if _, err := s.claimMessage(ctx, tx, orgID, e.MessageID, owner); err != nil {
				return err
			}
		}
		if appended == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, tx.Rebind("UPDATE tickets SET updated_at = ? WHERE id = ?"), s.now(), id)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	ticket, err := s.GetByTicketID(ctx, orgID, ticketID)
	if err != nil {
		return nil, 0, err
	}
	return ticket, appended, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
