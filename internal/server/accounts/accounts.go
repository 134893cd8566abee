// Package accounts owns account records and session issuance. It is the
// "session token issuer" the rest of the system treats as opaque: everything
// downstream consumes it through VerifySession only.
package accounts

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Roles are advisory UX routing only. Authorization on transfers is always
// membership based, never role based.
const (
	RoleOwner  = "OWNER"
	RoleClient = "CLIENT"
)

var (
	ErrNotFound   = errors.New("account not found")
	ErrEmailTaken = errors.New("email already registered")
)

// Account is a registered user of the portal.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Repository provides persistence for accounts.
type Repository interface {
	Create(ctx context.Context, account *Account) error
	GetByID(ctx context.Context, id string) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	List(ctx context.Context) ([]*Account, error)
}

// NormalizeEmail canonicalizes an address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
