package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies who authored a conversation entry.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleSupport  Role = "support"
	RoleNote     Role = "note"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleSupport, RoleNote:
		return true
	}
	return false
}

// ConversationEntry is one immutable message in a ticket or thread log.
type ConversationEntry struct {
	Role        Role        `json:"role"`
	Text        string      `json:"text"`
	Attachments Attachments `json:"attachments,omitempty"`
	MessageID   string      `json:"messageId,omitempty"`
	InReplyTo   string      `json:"inReplyTo,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	MergedFrom  string      `json:"merged_from,omitempty"`
	MergedAt    *time.Time  `json:"merged_at,omitempty"`
}

// Attachment describes a file carried by a message. Inbound attachments carry
// whatever metadata the upstream pipeline extracted; Data is base64 when present.
type Attachment struct {
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
	URL  string `json:"url,omitempty"`
	Size int64  `json:"size,omitempty"`
	Data string `json:"data,omitempty"`
}

// Attachments is persisted as a JSON array.
type Attachments []Attachment

// Value implements driver.Valuer.
func (a Attachments) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (a *Attachments) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("models: cannot scan %T into Attachments", src)
	}
	if len(raw) == 0 {
		*a = nil
		return nil
	}
	var out Attachments
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*a = out
	return nil
}

// WithoutData strips inline payloads so logs only keep attachment metadata.
func (a Attachments) WithoutData() Attachments {
	if len(a) == 0 {
		return nil
	}
	out := make(Attachments, len(a))
	for i, att := range a {
		att.Data = ""
		out[i] = att
	}
	return out
}
