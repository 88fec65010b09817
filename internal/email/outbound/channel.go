// Package outbound sends agent replies through the organization mailbox or an
// agent's linked Google or Microsoft account.
package outbound

import (
	"context"
	"time"

	"github.com/gotrs-io/mailbridge/internal/models"
)

// Envelope is the provider-neutral reply. From is filled in by the channel:
// the routing address for SUPPORT, the linked mailbox for OAuth channels.
type Envelope struct {
	OrganizationID int64
	TicketID       string
	From           string
	To             string
	ReplyTo        string // organization routing address, also used for In-Reply-To/References
	Subject        string // already stamped with #<ticketId>
	HTMLBody       string
	Attachment     *models.Attachment
	Account        *models.LinkedAccount
	MessageID      string
	Date           time.Time
}

// ProviderRequest is a fully built send, ready to submit.
type ProviderRequest struct {
	Provider models.Provider
	Envelope Envelope
	Raw      []byte // RFC 5322 bytes when the channel submits MIME
	Payload  any    // channel-specific request
}

// Channel is one outbound send path.
type Channel interface {
	Provider() models.Provider
	Build(ctx context.Context, env Envelope) (ProviderRequest, error)
	Send(ctx context.Context, req ProviderRequest) error
}
