package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gotrs-io/mailbridge/internal/models"
)

// MemoryDirectory holds organizations and linked accounts for development and tests.
type MemoryDirectory struct {
	mu       sync.RWMutex
	nextID   int64
	orgs     map[int64]*models.Organization
	accounts map[accountKey]*models.LinkedAccount
}

type accountKey struct {
	userID   int64
	provider models.Provider
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		nextID:   1,
		orgs:     make(map[int64]*models.Organization),
		accounts: make(map[accountKey]*models.LinkedAccount),
	}
}

// AddOrganization registers an organization, assigning an id when zero.
func (d *MemoryDirectory) AddOrganization(org models.Organization) *models.Organization {
	d.mu.Lock()
	defer d.mu.Unlock()
	if org.ID == 0 {
		org.ID = d.nextID
	}
	if org.ID >= d.nextID {
		d.nextID = org.ID + 1
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now()
	}
	org.RoutingAddress = strings.ToLower(strings.TrimSpace(org.RoutingAddress))
	d.orgs[org.ID] = &org
	cp := org
	return &cp
}

// LinkAccount registers an agent's OAuth mailbox.
func (d *MemoryDirectory) LinkAccount(acct models.LinkedAccount) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[accountKey{acct.UserID, acct.Provider}] = &acct
}

// GetByID implements OrganizationRepository.
func (d *MemoryDirectory) GetByID(ctx context.Context, id int64) (*models.Organization, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	org, ok := d.orgs[id]
	if !ok {
		return nil, models.ErrOrganizationNotFound
	}
	cp := *org
	return &cp, nil
}

// GetByRoutingAddress implements OrganizationRepository. The address must already be normalized.
func (d *MemoryDirectory) GetByRoutingAddress(ctx context.Context, address string) (*models.Organization, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, org := range d.orgs {
		if org.RoutingAddress == address {
			cp := *org
			return &cp, nil
		}
	}
	return nil, models.ErrOrganizationNotFound
}

// GetLinkedAccount implements AccountRepository.
func (d *MemoryDirectory) GetLinkedAccount(ctx context.Context, userID int64, provider models.Provider) (*models.LinkedAccount, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acct, ok := d.accounts[accountKey{userID, provider}]
	if !ok {
		return nil, models.ErrAccountNotLinked
	}
	cp := *acct
	return &cp, nil
}
