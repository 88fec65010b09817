package postmaster

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/mailbridge/internal/email/inbound/filters"
	"github.com/gotrs-io/mailbridge/internal/metrics"
	"github.com/gotrs-io/mailbridge/internal/models"
)

// Actions reported for an inbound message.
const (
	ActionAppended       = "appended"
	ActionThreadAppended = "thread_appended"
	ActionThreadCreated  = "thread_created"
	ActionDuplicate      = "duplicate"
	ActionIgnored        = "ignored"
)

// Processor stores a filtered message in the right conversation log.
type Processor interface {
	Process(ctx context.Context, meta *filters.MessageContext) (Result, error)
}

// OrganizationResolver maps the recipient address to its tenant.
type OrganizationResolver interface {
	Resolve(ctx context.Context, to string) (*models.Organization, error)
}

// Result tracks what happened to a message.
type Result struct {
	Action   string              `json:"action"`
	TicketID string              `json:"ticket_id,omitempty"`
	ThreadID string              `json:"email_thread_id,omitempty"`
	Ticket   *models.Ticket      `json:"ticket,omitempty"`
	Thread   *models.EmailThread `json:"email,omitempty"`
}

// Service wires organization resolution, filters and the processor together.
type Service struct {
	Resolver    OrganizationResolver
	FilterChain filters.Chain
	Handler     Processor
	Logger      logrus.FieldLogger
}

// Handle resolves the tenant from the first recipient, runs the filter chain,
// then hands the message to the processor.
func (s Service) Handle(ctx context.Context, msg *models.InboundMessage) (Result, error) {
	if msg == nil {
		return Result{}, fmt.Errorf("postmaster: message required: %w", models.ErrInvalidInput)
	}
	if s.Resolver == nil || s.Handler == nil {
		return Result{}, errors.New("postmaster: service not configured")
	}
	org, err := s.Resolver.Resolve(ctx, msg.To.First())
	if err != nil {
		return Result{}, err
	}
	meta := &filters.MessageContext{
		Organization: org,
		Message:      msg,
		Annotations:  map[string]any{},
	}
	if err := s.FilterChain.Run(ctx, meta); err != nil {
		return Result{}, err
	}
	res, err := s.Handler.Process(ctx, meta)
	if err != nil {
		return res, err
	}
	metrics.InboundMessages.WithLabelValues(res.Action).Inc()
	if s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"organization_id": org.ID,
			"message_id":      msg.MessageID,
			"action":          res.Action,
			"ticket_id":       res.TicketID,
			"email_thread_id": res.ThreadID,
		}).Info("postmaster: inbound message handled")
	}
	return res, nil
}

// DefaultChain is the filter order used by the webhook.
func DefaultChain(logger logrus.FieldLogger) filters.Chain {
	return filters.NewChain(
		filters.NewLoopGuardFilter(logger),
		filters.NewSubjectTagFilter(logger),
		filters.NewHTMLBodyFilter(logger),
	)
}
