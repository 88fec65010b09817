package correlation

import (
	"context"

	"github.com/gotrs-io/mailbridge/internal/repository"
)

// DedupGuard answers whether an inbound message id was already recorded for
// the organization. It is a fast path only: the store's unique constraints
// still reject a duplicate that slips past under concurrent delivery.
type DedupGuard struct {
	index repository.MessageIndex
}

// NewDedupGuard constructs a guard over the message index.
func NewDedupGuard(index repository.MessageIndex) *DedupGuard {
	return &DedupGuard{index: index}
}

// Seen reports whether messageID is already recorded. Messages without an id
// are never considered duplicates.
func (g *DedupGuard) Seen(ctx context.Context, orgID int64, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	owner, err := g.index.LookupMessage(ctx, orgID, messageID)
	if err != nil {
		return false, err
	}
	return owner != nil, nil
}
