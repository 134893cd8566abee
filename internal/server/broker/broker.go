// Package broker gates every operation on a transfer. Senders prove
// themselves with an account session; receivers hold a transaction-scoped
// right, granted by knowledge of the access code and carried as a transfer
// token. The two paths never mix: another authenticated account knowing a
// transfer id gets nothing.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"handoff/internal/server/auth"
	"handoff/internal/server/ledger"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("not a party to this transfer")
	ErrUnauthorized    = errors.New("valid transfer token required")
	ErrInvalidCode     = errors.New("invalid access code")
	ErrTooManyAttempts = errors.New("too many failed attempts")
	ErrTransferExpired = errors.New("transfer expired")
)

// DefaultMaxAttempts locks code verification after this many failures.
const DefaultMaxAttempts = 5

// SessionVerifier resolves a session token to an account id. The accounts
// service satisfies this; the broker treats it as opaque.
type SessionVerifier interface {
	VerifySession(ctx context.Context, token string) (string, error)
}

// Credential carries whichever tokens the caller presented. It is passed
// explicitly through every call; there is no ambient current-user state.
type Credential struct {
	SessionToken  string
	TransferToken string
}

// Broker validates access codes, mints transfer tokens and authorizes
// operations for either side of a transfer.
type Broker struct {
	ledger      ledger.Ledger
	sessions    SessionVerifier
	tokens      *auth.Tokens
	maxAttempts int
}

// New creates a Broker. maxAttempts <= 0 disables the attempt lockout.
func New(l ledger.Ledger, sessions SessionVerifier, tokens *auth.Tokens, maxAttempts int) *Broker {
	return &Broker{
		ledger:      l,
		sessions:    sessions,
		tokens:      tokens,
		maxAttempts: maxAttempts,
	}
}

// VerifyAccessCode checks the candidate code against the transfer's hash and,
// on success, transitions the transfer to opened (idempotently) and mints a
// fresh transfer token. Re-verification after opening succeeds and reissues.
func (b *Broker) VerifyAccessCode(ctx context.Context, transferID, candidateCode string) (string, error) {
	transfer, err := b.ledger.GetTransfer(ctx, transferID)
	if err != nil {
		return "", err
	}

	if transfer.ExpiresAt != nil && transfer.ExpiresAt.Before(time.Now()) {
		return "", ErrTransferExpired
	}
	if b.maxAttempts > 0 && transfer.FailedAttempts >= b.maxAttempts {
		return "", ErrTooManyAttempts
	}

	// bcrypt comparison is constant-time; the code is the sole secret
	// gating receiver access.
	if err := bcrypt.CompareHashAndPassword([]byte(transfer.AccessCodeHash), []byte(candidateCode)); err != nil {
		attempts, recErr := b.ledger.RecordFailedAttempt(ctx, transferID)
		if recErr != nil {
			return "", recErr
		}
		slog.Info("access code rejected", "transfer_id", transferID, "attempts", attempts)
		if b.maxAttempts > 0 && attempts >= b.maxAttempts {
			return "", ErrTooManyAttempts
		}
		return "", ErrInvalidCode
	}

	if err := b.ledger.MarkOpened(ctx, transferID); err != nil {
		return "", err
	}

	token, err := b.tokens.IssueTransferToken(transfer.ID, transfer.ReceiverID)
	if err != nil {
		return "", err
	}
	slog.Info("transfer opened", "transfer_id", transferID)
	return token, nil
}

// AuthorizeSender resolves the session and checks the account is the
// transfer's sender.
func (b *Broker) AuthorizeSender(ctx context.Context, transferID, sessionToken string) (string, error) {
	if sessionToken == "" {
		return "", ErrUnauthenticated
	}
	accountID, err := b.sessions.VerifySession(ctx, sessionToken)
	if err != nil {
		return "", ErrUnauthenticated
	}

	transfer, err := b.ledger.GetTransfer(ctx, transferID)
	if err != nil {
		return "", err
	}
	if transfer.SenderID != accountID {
		return "", ErrForbidden
	}
	return accountID, nil
}

// AuthorizeReceiver validates a transfer token against this transfer. It
// fails closed: absent, malformed, expired or mis-scoped tokens are all
// ErrUnauthorized, as is a transfer that is not yet opened.
func (b *Broker) AuthorizeReceiver(ctx context.Context, transferID, transferToken string) (string, error) {
	if transferToken == "" {
		return "", ErrUnauthorized
	}
	tokenTransferID, receiverID, err := b.tokens.VerifyTransferToken(transferToken)
	if err != nil {
		return "", ErrUnauthorized
	}
	if tokenTransferID != transferID {
		return "", ErrUnauthorized
	}

	transfer, err := b.ledger.GetTransfer(ctx, transferID)
	if err != nil {
		return "", err
	}
	if transfer.ReceiverID != receiverID {
		return "", ErrUnauthorized
	}
	if transfer.Status != ledger.StatusOpened {
		return "", ErrUnauthorized
	}
	return receiverID, nil
}

// Resolve authorizes a caller via whichever path their credential matches: a
// transfer token selects the receiver path, otherwise the session selects
// the sender path.
func (b *Broker) Resolve(ctx context.Context, transferID string, cred Credential) (ledger.Side, string, error) {
	if cred.TransferToken != "" {
		accountID, err := b.AuthorizeReceiver(ctx, transferID, cred.TransferToken)
		if err != nil {
			return 0, "", err
		}
		return ledger.SideReceiver, accountID, nil
	}
	if cred.SessionToken != "" {
		accountID, err := b.AuthorizeSender(ctx, transferID, cred.SessionToken)
		if err != nil {
			return 0, "", err
		}
		return ledger.SideSender, accountID, nil
	}
	return 0, "", ErrUnauthenticated
}
