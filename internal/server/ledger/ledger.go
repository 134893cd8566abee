// Package ledger owns the authoritative state of every transfer and its
// member files: the pending→opened state machine and the per-side visibility
// flags that reconcile one party's deletions with the other party's access.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Transfer status values. A transfer is created pending and transitions
// exactly once, irreversibly, to opened.
const (
	StatusPending = "pending"
	StatusOpened  = "opened"
)

// MinAccessCodeLen is the minimum accepted access-code length.
const MinAccessCodeLen = 6

// Side identifies which party of a transfer an operation acts for.
type Side int

const (
	SideSender Side = iota
	SideReceiver
)

func (s Side) String() string {
	if s == SideSender {
		return "sender"
	}
	return "receiver"
}

var (
	ErrTransferNotFound = errors.New("transfer not found")
	ErrFileNotFound     = errors.New("file not found")
	ErrInvalidReceiver  = errors.New("receiver must differ from sender")
	ErrWeakAccessCode   = errors.New("access code must be at least 6 alphanumeric characters")
	ErrEmptyTransfer    = errors.New("transfer requires at least one file")
)

// Transfer is a sender→receiver grouping of files gated by one access code.
// The plaintext code is never stored; only its bcrypt hash survives creation.
type Transfer struct {
	ID             string
	SenderID       string
	ReceiverID     string
	AccessCodeHash string
	CodeHint       string
	Status         string
	FailedAttempts int
	OpenedAt       *time.Time
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

// File is a member file of a transfer. The two visibility flags are
// independent: each side hides its own view, and the record (plus blob) is
// purged only once both are false.
type File struct {
	ID                string
	TransferID        string
	BlobRef           string
	OriginalFilename  string
	ContentType       string
	SizeBytes         int64
	VisibleToSender   bool
	VisibleToReceiver bool
	CreatedAt         time.Time
}

// NewFile describes a file at transfer creation time.
type NewFile struct {
	BlobRef          string
	OriginalFilename string
	ContentType      string
	SizeBytes        int64
}

// CreateParams carries everything needed to create a transfer.
type CreateParams struct {
	SenderID   string
	ReceiverID string
	AccessCode string
	ExpiresAt  *time.Time
	Files      []NewFile
}

// Summary is the list-view projection of a transfer. FileCount counts only
// the files still visible to the side the listing was made for.
type Summary struct {
	TransferID string     `json:"transfer_id"`
	SenderID   string     `json:"sender_id"`
	ReceiverID string     `json:"receiver_id"`
	Status     string     `json:"status"`
	FileCount  int        `json:"file_count"`
	CodeHint   string     `json:"code_hint,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	OpenedAt   *time.Time `json:"opened_at,omitempty"`
}

// HideResult reports the outcome of HideForSide. BlobRef is set only when
// HardDeleted is true, so the caller can purge the stored bytes.
type HideResult struct {
	HardDeleted      bool
	BlobRef          string
	RemainingVisible int
}

// Stats holds aggregate ledger statistics.
type Stats struct {
	TotalTransfers   int64
	PendingTransfers int64
	OpenedTransfers  int64
	StoredBytes      int64
}

// Ledger is the authoritative store for transfers and their files. All
// mutations of a given transfer are serialized per transfer id by every
// implementation.
type Ledger interface {
	// CreateTransfer validates the request, hashes the access code and
	// stores the transfer with all files visible to both sides.
	CreateTransfer(ctx context.Context, params CreateParams) (*Transfer, error)

	// GetTransfer fetches a transfer regardless of caller relationship.
	// Reserved for the Access Broker; everything else goes through the
	// side-scoped getters.
	GetTransfer(ctx context.Context, transferID string) (*Transfer, error)

	// GetTransferForSender fails ErrTransferNotFound unless senderID matches.
	GetTransferForSender(ctx context.Context, transferID, senderID string) (*Transfer, error)

	// GetTransferForReceiver fails ErrTransferNotFound unless receiverID matches.
	GetTransferForReceiver(ctx context.Context, transferID, receiverID string) (*Transfer, error)

	// MarkOpened transitions pending→opened and resets the failed-attempt
	// counter. Idempotent: a no-op if already opened.
	MarkOpened(ctx context.Context, transferID string) error

	// RecordFailedAttempt increments and returns the failed-attempt counter.
	RecordFailedAttempt(ctx context.Context, transferID string) (int, error)

	ListSent(ctx context.Context, senderID string) ([]*Summary, error)
	ListReceived(ctx context.Context, receiverID string) ([]*Summary, error)

	// CountPendingFor counts pending transfers addressed to the receiver.
	CountPendingFor(ctx context.Context, receiverID string) (int, error)

	// ListFilesVisibleTo returns the side's visible files in insertion order.
	ListFilesVisibleTo(ctx context.Context, transferID string, side Side) ([]*File, error)

	// GetFileVisibleTo fails ErrFileNotFound if the file is absent or hidden
	// from the given side.
	GetFileVisibleTo(ctx context.Context, transferID, fileID string, side Side) (*File, error)

	// HideForSide clears the side's visibility flag. When the other side is
	// already hidden the row is removed in the same mutation and
	// HardDeleted reports true. Repeating the call for the same side is a
	// no-op.
	HideForSide(ctx context.Context, transferID, fileID string, side Side) (*HideResult, error)

	Stats(ctx context.Context) (*Stats, error)
}

// validateAccessCode enforces the minimum-length and alphanumeric policy.
func validateAccessCode(code string) error {
	if len(code) < MinAccessCodeLen {
		return ErrWeakAccessCode
	}
	for _, ch := range code {
		if !isAlphanumeric(ch) {
			return ErrWeakAccessCode
		}
	}
	return nil
}

func isAlphanumeric(ch rune) bool {
	return (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

// makeCodeHint builds a minimal hint for the sender's list view. The full
// code is never stored.
func makeCodeHint(code string) string {
	if len(code) < 2 {
		return fmt.Sprintf("len:%d", len(code))
	}
	return fmt.Sprintf("len:%d ends:%s", len(code), code[len(code)-2:])
}

// newTransferRecord performs the creation-time validation shared by every
// Ledger implementation and materializes the records to store.
func newTransferRecord(params CreateParams) (*Transfer, []*File, error) {
	if params.ReceiverID == params.SenderID {
		return nil, nil, ErrInvalidReceiver
	}
	if err := validateAccessCode(params.AccessCode); err != nil {
		return nil, nil, err
	}
	if len(params.Files) == 0 {
		return nil, nil, ErrEmptyTransfer
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(params.AccessCode), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash access code: %w", err)
	}

	now := time.Now().UTC()
	transfer := &Transfer{
		ID:             uuid.NewString(),
		SenderID:       params.SenderID,
		ReceiverID:     params.ReceiverID,
		AccessCodeHash: string(hash),
		CodeHint:       makeCodeHint(params.AccessCode),
		Status:         StatusPending,
		ExpiresAt:      params.ExpiresAt,
		CreatedAt:      now,
	}

	files := make([]*File, 0, len(params.Files))
	for _, nf := range params.Files {
		files = append(files, &File{
			ID:                uuid.NewString(),
			TransferID:        transfer.ID,
			BlobRef:           nf.BlobRef,
			OriginalFilename:  nf.OriginalFilename,
			ContentType:       nf.ContentType,
			SizeBytes:         nf.SizeBytes,
			VisibleToSender:   true,
			VisibleToReceiver: true,
			CreatedAt:         now,
		})
	}
	return transfer, files, nil
}

// visibleTo reports whether the file is visible to the given side.
func (f *File) visibleTo(side Side) bool {
	if side == SideSender {
		return f.VisibleToSender
	}
	return f.VisibleToReceiver
}
