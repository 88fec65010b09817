package filters

import (
	"context"
	"net/mail"
	"strings"

	"github.com/sirupsen/logrus"
)

// LoopGuardFilter marks messages sent from the organization's own routing address
// as ignored so outbound copies bounced back into the webhook never become threads.
type LoopGuardFilter struct {
	logger logrus.FieldLogger
}

// NewLoopGuardFilter constructs the filter instance.
func NewLoopGuardFilter(logger logrus.FieldLogger) *LoopGuardFilter {
	return &LoopGuardFilter{logger: logger}
}

// ID implements Filter.
func (f *LoopGuardFilter) ID() string { return "loop_guard" }

// Apply implements Filter.
func (f *LoopGuardFilter) Apply(ctx context.Context, m *MessageContext) error {
	if m == nil || m.Message == nil || m.Organization == nil {
		return nil
	}
	from := NormalizeAddress(m.Message.From)
	if from == "" || from != NormalizeAddress(m.Organization.RoutingAddress) {
		return nil
	}
	m.Annotate(AnnotationIgnoreMessage, true)
	m.Annotate(AnnotationIgnoreReason, "sender is the organization routing address")
	if f.logger != nil {
		f.logger.WithField("from", from).Info("loop_guard: ignoring message from own routing address")
	}
	return nil
}

// NormalizeAddress lower-cases a bare address, accepting "Name <addr>" input.
func NormalizeAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(raw); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(raw)
}
