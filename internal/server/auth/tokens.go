package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors for token verification. Callers branch on these with
// errors.Is; no decision is ever made on message text.
var (
	ErrInvalidToken = errors.New("invalid or expired token")
)

// sessionClaims identifies an account for the long-lived session credential.
type sessionClaims struct {
	jwt.RegisteredClaims
	AccountID string `json:"uid"`
}

// transferClaims is the short-lived per-transfer credential minted after a
// successful access-code verification. It is scoped to exactly one
// (transfer, receiver) pair.
type transferClaims struct {
	jwt.RegisteredClaims
	TransferID string `json:"tid"`
	ReceiverID string `json:"rid"`
}

// Tokens issues and verifies both credential types with a shared HMAC secret.
type Tokens struct {
	secret      []byte
	sessionTTL  time.Duration
	transferTTL time.Duration
}

// NewTokens creates a token issuer. The secret must not be empty.
func NewTokens(secret string, sessionTTL, transferTTL time.Duration) (*Tokens, error) {
	if secret == "" {
		return nil, errors.New("token secret must not be empty")
	}
	return &Tokens{
		secret:      []byte(secret),
		sessionTTL:  sessionTTL,
		transferTTL: transferTTL,
	}, nil
}

// IssueSession mints a session token for an authenticated account.
func (t *Tokens) IssueSession(accountID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.sessionTTL)),
		},
		AccountID: accountID,
	})
	return token.SignedString(t.secret)
}

// VerifySession returns the account id embedded in a session token.
// Any parse failure, signature mismatch or expiry yields ErrInvalidToken.
func (t *Tokens) VerifySession(tokenString string) (string, error) {
	claims := &sessionClaims{}
	if err := t.parse(tokenString, claims); err != nil {
		return "", err
	}
	if claims.AccountID == "" {
		return "", ErrInvalidToken
	}
	return claims.AccountID, nil
}

// IssueTransferToken mints a transfer token scoped to one transfer and its
// receiver. Possession proves a successful access-code verification.
func (t *Tokens) IssueTransferToken(transferID, receiverID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, transferClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.transferTTL)),
		},
		TransferID: transferID,
		ReceiverID: receiverID,
	})
	return token.SignedString(t.secret)
}

// VerifyTransferToken returns the (transferID, receiverID) pair a transfer
// token is scoped to. A session token presented here fails: it carries no
// tid/rid claims.
func (t *Tokens) VerifyTransferToken(tokenString string) (transferID, receiverID string, err error) {
	claims := &transferClaims{}
	if err := t.parse(tokenString, claims); err != nil {
		return "", "", err
	}
	if claims.TransferID == "" || claims.ReceiverID == "" {
		return "", "", ErrInvalidToken
	}
	return claims.TransferID, claims.ReceiverID, nil
}

func (t *Tokens) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
