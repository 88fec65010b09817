package models

import (
	"encoding/json"
	"strings"
	"time"
)

// EmailThread is a conversation log not (yet) attached to a ticket.
// EmailThreadID is the provider message-id of the root message.
type EmailThread struct {
	ID             int64     `json:"id" db:"id"`
	EmailThreadID  string    `json:"email_thread_id" db:"email_thread_id"`
	OrganizationID int64     `json:"organization_id" db:"organization_id"`
	Email          string    `json:"email" db:"email"`
	Subject        string    `json:"subject" db:"subject"`
	InReplyTo      string    `json:"in_reply_to,omitempty" db:"in_reply_to"`
	IsNew          bool      `json:"is_new" db:"is_new"`
	Processed      bool      `json:"processed" db:"processed"`
	LinkedTicketID string    `json:"ticket_id,omitempty" db:"linked_ticket_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`

	Conversations []ConversationEntry `json:"conversations" db:"-"`
}

// Terminal reports whether inbound mail for this thread must go to the linked ticket.
func (t *EmailThread) Terminal() bool {
	return t != nil && t.Processed && t.LinkedTicketID != ""
}

// InboundMessage is the structured payload delivered by the mail-receiving pipeline.
type InboundMessage struct {
	MessageID   string      `json:"messageId"`
	InReplyTo   string      `json:"inReplyTo"`
	From        string      `json:"from"`
	To          Recipients  `json:"to"`
	Subject     string      `json:"subject"`
	HTMLBody    string      `json:"htmlBody"`
	Attachments Attachments `json:"attachments"`
}

// LinkedAccount is an OAuth-backed mailbox an agent connected to the application.
type LinkedAccount struct {
	UserID      int64    `json:"user_id" db:"user_id"`
	Provider    Provider `json:"provider" db:"provider"`
	Email       string   `json:"email" db:"email"`
	AccessToken string   `json:"-" db:"access_token"`
}

// Recipients accepts either a single address or a list in JSON.
type Recipients []string

// UnmarshalJSON implements json.Unmarshaler.
func (r *Recipients) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			*r = nil
			return nil
		}
		*r = Recipients{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*r = Recipients(list)
	return nil
}

// First returns the primary recipient or an empty string.
func (r Recipients) First() string {
	for _, addr := range r {
		if addr = strings.TrimSpace(addr); addr != "" {
			return addr
		}
	}
	return ""
}
