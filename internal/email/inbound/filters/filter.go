package filters

import (
	"context"

	"github.com/gotrs-io/mailbridge/internal/models"
)

// MessageContext is the mutable envelope filters operate on.
type MessageContext struct {
	Organization *models.Organization
	Message      *models.InboundMessage
	Annotations  map[string]any
}

// Annotate stores a value, allocating the map on first use.
func (m *MessageContext) Annotate(key string, value any) {
	if m.Annotations == nil {
		m.Annotations = make(map[string]any)
	}
	m.Annotations[key] = value
}

// String returns a string annotation or "".
func (m *MessageContext) String(key string) string {
	if m == nil || m.Annotations == nil {
		return ""
	}
	s, _ := m.Annotations[key].(string)
	return s
}

// Bool returns a boolean annotation or false.
func (m *MessageContext) Bool(key string) bool {
	if m == nil || m.Annotations == nil {
		return false
	}
	b, _ := m.Annotations[key].(bool)
	return b
}

// Filter mutates a message before it hits PostMaster.
type Filter interface {
	ID() string
	Apply(ctx context.Context, m *MessageContext) error
}

// Chain executes filters in order, short-circuiting on error.
type Chain struct {
	filters []Filter
}

// NewChain returns a filter chain that runs the provided filters sequentially.
func NewChain(fs ...Filter) Chain {
	return Chain{filters: fs}
}

// Run executes the chain.
func (c Chain) Run(ctx context.Context, m *MessageContext) error {
	for _, f := range c.filters {
		if err := f.Apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
