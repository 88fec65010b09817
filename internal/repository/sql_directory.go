package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gotrs-io/mailbridge/internal/database"
	"github.com/gotrs-io/mailbridge/internal/models"
)

// SQLDirectory reads organizations and linked accounts. Both tables are
// maintained by the surrounding application.
type SQLDirectory struct {
	qb *database.QueryBuilder
}

// NewSQLDirectory returns a directory over an open connection.
func NewSQLDirectory(qb *database.QueryBuilder) *SQLDirectory {
	return &SQLDirectory{qb: qb}
}

// GetByID implements OrganizationRepository.
func (d *SQLDirectory) GetByID(ctx context.Context, id int64) (*models.Organization, error) {
	return d.getOrganization(ctx, "id = ?", id)
}

// GetByRoutingAddress implements OrganizationRepository.
func (d *SQLDirectory) GetByRoutingAddress(ctx context.Context, address string) (*models.Organization, error) {
	return d.getOrganization(ctx, "routing_address = ?", address)
}

func (d *SQLDirectory) getOrganization(ctx context.Context, where string, arg any) (*models.Organization, error) {
	var org models.Organization
	err := d.qb.NewSelect("id", "name", "routing_address", "created_at").
		From("organizations").
		Where(where, arg).
		GetContext(ctx, &org)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return &org, nil
}

// GetLinkedAccount implements AccountRepository.
func (d *SQLDirectory) GetLinkedAccount(ctx context.Context, userID int64, provider models.Provider) (*models.LinkedAccount, error) {
	var acct models.LinkedAccount
	err := d.qb.GetContext(ctx, &acct,
		"SELECT user_id, provider, email, access_token FROM linked_accounts WHERE user_id = ? AND provider = ?",
		userID, string(provider))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrAccountNotLinked
	}
	if err != nil {
		return nil, fmt.Errorf("get linked account: %w", err)
	}
	return &acct, nil
}
