package correlation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/mailbridge/internal/email/inbound/filters"
	"github.com/gotrs-io/mailbridge/internal/models"
	"github.com/gotrs-io/mailbridge/internal/repository"
)

// OrganizationCache is a read-through cache keyed by normalized routing address.
// A miss returns nil, nil.
type OrganizationCache interface {
	GetOrganization(ctx context.Context, address string) (*models.Organization, error)
	SetOrganization(ctx context.Context, address string, org *models.Organization, ttl time.Duration) error
}

// OrganizationResolver maps an inbound recipient to its tenant by exact routing address.
type OrganizationResolver struct {
	repo   repository.OrganizationRepository
	cache  OrganizationCache
	ttl    time.Duration
	logger logrus.FieldLogger
}

// ResolverOption configures an OrganizationResolver.
type ResolverOption func(*OrganizationResolver)

// WithResolverCache enables the read-through cache.
func WithResolverCache(cache OrganizationCache, ttl time.Duration) ResolverOption {
	return func(r *OrganizationResolver) {
		r.cache = cache
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(logger logrus.FieldLogger) ResolverOption {
	return func(r *OrganizationResolver) { r.logger = logger }
}

// NewOrganizationResolver constructs a resolver over repo.
func NewOrganizationResolver(repo repository.OrganizationRepository, opts ...ResolverOption) *OrganizationResolver {
	r := &OrganizationResolver{repo: repo, ttl: 5 * time.Minute}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the organization whose routing address equals to. No fuzzy
// matching: "Name <addr>" is unwrapped and case is folded, nothing else.
func (r *OrganizationResolver) Resolve(ctx context.Context, to string) (*models.Organization, error) {
	address := filters.NormalizeAddress(to)
	if address == "" {
		return nil, fmt.Errorf("empty recipient: %w", models.ErrOrganizationNotFound)
	}
	if r.cache != nil {
		org, err := r.cache.GetOrganization(ctx, address)
		if err != nil {
			r.logf(logrus.Fields{"address": address, "error": err}, "organization cache read failed")
		} else if org != nil {
			return org, nil
		}
	}
	org, err := r.repo.GetByRoutingAddress(ctx, address)
	if err != nil {
		if errors.Is(err, models.ErrOrganizationNotFound) {
			return nil, fmt.Errorf("recipient %s: %w", address, models.ErrOrganizationNotFound)
		}
		return nil, err
	}
	if r.cache != nil {
		if err := r.cache.SetOrganization(ctx, address, org, r.ttl); err != nil {
			r.logf(logrus.Fields{"address": address, "error": err}, "organization cache write failed")
		}
	}
	return org, nil
}

func (r *OrganizationResolver) logf(fields logrus.Fields, msg string) {
	if r == nil || r.logger == nil {
		return
	}
	r.logger.WithFields(fields).Warn(msg)
}
