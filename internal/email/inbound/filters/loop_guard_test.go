package filters

import (
	"context"
	"testing"

	"github.com/gotrs-io/mailbridge/internal/models"
)

func TestLoopGuardIgnoresOwnRoutingAddress(t *testing.T) {
	filter := NewLoopGuardFilter(nil)
	ctx := &MessageContext{
		Organization: &models.Organization{ID: 1, RoutingAddress: "support@org.com"},
		Message:      &models.InboundMessage{From: "Support Desk <SUPPORT@org.com>"},
	}
	if err := filter.Apply(context.Background(), ctx); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if !ctx.Bool(AnnotationIgnoreMessage) {
		t.Fatalf("expected message to be ignored")
	}
}

func TestLoopGuardPassesCustomerMail(t *testing.T) {
	filter := NewLoopGuardFilter(nil)
	ctx := &MessageContext{
		Organization: &models.Organization{ID: 1, RoutingAddress: "support@org.com"},
		Message:      &models.InboundMessage{From: "a@x.com"},
	}
	if err := filter.Apply(context.Background(), ctx); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if ctx.Bool(AnnotationIgnoreMessage) {
		t.Fatalf("expected customer mail to pass")
	}
}

func TestChainStopsOnError(t *testing.T) {
	calls := 0
	chain := NewChain(funcFilter(func(*MessageContext) error { calls++; return context.Canceled }), funcFilter(func(*MessageContext) error { calls++; return nil }))
	if err := chain.Run(context.Background(), &MessageContext{}); err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected chain to short-circuit, got %d calls", calls)
	}
}

type funcFilter func(*MessageContext) error

func (f funcFilter) ID() string { return "func" }

func (f funcFilter) Apply(_ context.Context, m *MessageContext) error { return f(m) }
