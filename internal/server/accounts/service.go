package accounts

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"handoff/internal/server/auth"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// Service implements registration and login on top of a Repository, and
// issues session tokens for authenticated accounts.
type Service struct {
	repo   Repository
	tokens *auth.Tokens
}

// NewService creates an account service.
func NewService(repo Repository, tokens *auth.Tokens) *Service {
	return &Service{repo: repo, tokens: tokens}
}

// Register creates a new account. The email is normalized and the password
// stored only as a bcrypt hash.
func (s *Service) Register(ctx context.Context, email, password, role string) (*Account, error) {
	if role != RoleOwner {
		role = RoleClient
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	account := &Account{
		ID:           uuid.NewString(),
		Email:        NormalizeEmail(email),
		Role:         role,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.repo.Create(ctx, account); err != nil {
		return nil, err
	}

	slog.Info("account registered", "account_id", account.ID, "role", account.Role)
	return account, nil
}

// Login checks the credentials and returns the account plus a session token.
func (s *Service) Login(ctx context.Context, email, password string) (*Account, string, error) {
	account, err := s.repo.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.tokens.IssueSession(account.ID)
	if err != nil {
		return nil, "", err
	}

	slog.Info("account logged in", "account_id", account.ID)
	return account, token, nil
}

// VerifySession resolves a session token to an existing account id.
// This is the contract the Access Broker consumes.
func (s *Service) VerifySession(ctx context.Context, token string) (string, error) {
	accountID, err := s.tokens.VerifySession(token)
	if err != nil {
		return "", err
	}
	// The token may outlive the account; confirm it still exists.
	if _, err := s.repo.GetByID(ctx, accountID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", auth.ErrInvalidToken
		}
		return "", err
	}
	return accountID, nil
}

// Get returns an account by id.
func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns all accounts, used by the user directory endpoint.
func (s *Service) List(ctx context.Context) ([]*Account, error) {
	return s.repo.List(ctx)
}
