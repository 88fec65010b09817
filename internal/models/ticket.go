package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Ticket status and priority defaults applied on creation.
const (
	TicketStatusOpen     = "Open"
	TicketPriorityMedium = "Medium"
	DefaultTicketSubject = "Untitled Email Ticket"
	DefaultMergedSubject = "New Email Thread"
	DefaultThreadSubject = "(No Subject)"
	DefaultEntryText     = "(No Content)"
)

// Ticket represents a support ticket and its conversation log.
type Ticket struct {
	ID             int64     `json:"id" db:"id"`
	TicketID       string    `json:"ticket_id" db:"ticket_id"` // tenant-visible, stamped into subjects as #<TicketID>
	OrganizationID int64     `json:"organization_id" db:"organization_id"`
	CustomerID     int64     `json:"customer_id" db:"customer_id"`
	Subject        string    `json:"subject" db:"subject"`
	Status         string    `json:"status" db:"status"`
	Priority       string    `json:"priority" db:"priority"`
	IsNew          bool      `json:"is_new" db:"is_new"`
	CustomData     JSONMap   `json:"custom_data" db:"custom_data"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`

	// Joined fields
	CustomerEmail string              `json:"customer_email,omitempty" db:"customer_email"`
	Conversations []ConversationEntry `json:"conversations" db:"-"`
}

// HasMessageID reports whether the log already holds an entry with the message id.
func (t *Ticket) HasMessageID(messageID string) bool {
	if t == nil || messageID == "" {
		return false
	}
	for _, entry := range t.Conversations {
		if entry.MessageID == messageID {
			return true
		}
	}
	return false
}

// Customer is identified by (OrganizationID, Email) and created on first contact.
type Customer struct {
	ID             int64     `json:"id" db:"id"`
	OrganizationID int64     `json:"organization_id" db:"organization_id"`
	Email          string    `json:"email" db:"email"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Organization is the tenant that owns tickets, threads and customers.
type Organization struct {
	ID             int64     `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	RoutingAddress string    `json:"routing_address" db:"routing_address"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// JSONMap is a free-form JSON object persisted as text.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = JSONMap{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("models: cannot scan %T into JSONMap", src)
	}
	if len(raw) == 0 {
		*m = JSONMap{}
		return nil
	}
	out := JSONMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*m = out
	return nil
}
