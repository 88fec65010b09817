package models

import "errors"

var (
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrTicketNotFound       = errors.New("ticket not found")
	ErrThreadNotFound       = errors.New("email thread not found")
	ErrAccountNotLinked     = errors.New("no linked account for that provider")
	ErrInvalidProvider      = errors.New("invalid provider")
	ErrInvalidInput         = errors.New("invalid input")

	// ErrDuplicateMessage means the message id is already recorded. Callers on the
	// ingestion path treat it as idempotent success.
	ErrDuplicateMessage = errors.New("duplicate message id")

	// ErrTicketIDTaken is returned when a generated ticket id collides.
	ErrTicketIDTaken = errors.New("ticket id already in use")
)
