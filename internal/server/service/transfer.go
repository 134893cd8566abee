// Package service orchestrates the ledger, the blob store and the access
// broker into the public transfer operations.
package service

import (
	"archive/zip"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	"handoff/internal/server/accounts"
	"handoff/internal/server/broker"
	"handoff/internal/server/ledger"
	"handoff/internal/server/storage"
)

var (
	ErrReceiverNotFound = errors.New("receiver not found")
)

// generatedCodeLen is the length of access codes minted when the sender
// supplies none.
const generatedCodeLen = 8

// codeAlphabet avoids characters that read ambiguously (O/0, I/1).
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Directory is the slice of the accounts service the transfer service needs.
type Directory interface {
	VerifySession(ctx context.Context, token string) (string, error)
	Get(ctx context.Context, id string) (*accounts.Account, error)
}

// SendFile describes one incoming file of a send request.
type SendFile struct {
	Filename    string
	ContentType string
	Data        io.Reader
}

// SendResult is returned after a successful send. AccessCode echoes the
// sender's code or carries the generated one; it is never stored.
type SendResult struct {
	TransferID string    `json:"transfer_id"`
	AccessCode string    `json:"access_code"`
	Generated  bool      `json:"access_code_generated"`
	FileCount  int       `json:"file_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// TransferSummary decorates a ledger summary with the party emails.
type TransferSummary struct {
	TransferID    string     `json:"transfer_id"`
	SenderEmail   string     `json:"sender_email"`
	ReceiverEmail string     `json:"receiver_email"`
	Status        string     `json:"status"`
	FileCount     int        `json:"file_count"`
	CodeHint      string     `json:"code_hint,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
}

// FileInfo is the caller-facing projection of a transfer file.
type FileInfo struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// Download carries a file's metadata and a reader over its bytes.
// The caller closes Content.
type Download struct {
	Filename    string
	ContentType string
	SizeBytes   int64
	Content     io.ReadCloser
}

// DeleteResult reports a per-side delete.
type DeleteResult struct {
	HardDeleted      bool `json:"hard_deleted"`
	RemainingVisible int  `json:"remaining_visible_files"`
}

// TransferService implements the public transfer operations.
type TransferService struct {
	ledger         ledger.Ledger
	blobs          storage.Store
	broker         *broker.Broker
	directory      Directory
	transferExpiry time.Duration // 0 disables expiry
}

// NewTransferService creates the orchestration service.
func NewTransferService(l ledger.Ledger, blobs storage.Store, b *broker.Broker, directory Directory, transferExpiry time.Duration) *TransferService {
	return &TransferService{
		ledger:         l,
		blobs:          blobs,
		broker:         b,
		directory:      directory,
		transferExpiry: transferExpiry,
	}
}

// Send authenticates the sender, stores every file's bytes and creates the
// transfer. The blob puts and the ledger insert are one logical unit: if the
// ledger insert fails, every already-stored blob is deleted again.
func (s *TransferService) Send(ctx context.Context, sessionToken, receiverID, accessCode string, files []SendFile) (*SendResult, error) {
	senderID, err := s.directory.VerifySession(ctx, sessionToken)
	if err != nil {
		return nil, broker.ErrUnauthenticated
	}

	if _, err := s.directory.Get(ctx, receiverID); err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return nil, ErrReceiverNotFound
		}
		return nil, err
	}

	code := strings.TrimSpace(accessCode)
	generated := false
	if code == "" {
		code, err = generateAccessCode(generatedCodeLen)
		if err != nil {
			return nil, fmt.Errorf("failed to generate access code: %w", err)
		}
		generated = true
	}

	var stored []string
	rollback := func() {
		for _, ref := range stored {
			if err := s.blobs.Delete(ctx, ref); err != nil {
				slog.Error("blob rollback failed", "blob_ref", ref, "error", err)
			}
		}
	}

	newFiles := make([]ledger.NewFile, 0, len(files))
	for _, f := range files {
		ref, err := newBlobRef()
		if err != nil {
			rollback()
			return nil, err
		}
		n, err := s.blobs.Put(ctx, ref, f.Data)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("failed to store file: %w", err)
		}
		stored = append(stored, ref)
		newFiles = append(newFiles, ledger.NewFile{
			BlobRef:          ref,
			OriginalFilename: sanitizeFilename(f.Filename),
			ContentType:      f.ContentType,
			SizeBytes:        n,
		})
	}

	var expiresAt *time.Time
	if s.transferExpiry > 0 {
		t := time.Now().UTC().Add(s.transferExpiry)
		expiresAt = &t
	}

	transfer, err := s.ledger.CreateTransfer(ctx, ledger.CreateParams{
		SenderID:   senderID,
		ReceiverID: receiverID,
		AccessCode: code,
		ExpiresAt:  expiresAt,
		Files:      newFiles,
	})
	if err != nil {
		rollback()
		return nil, err
	}

	slog.Info("transfer sent",
		"transfer_id", transfer.ID,
		"sender_id", senderID,
		"receiver_id", receiverID,
		"file_count", len(newFiles),
	)

	return &SendResult{
		TransferID: transfer.ID,
		AccessCode: code,
		Generated:  generated,
		FileCount:  len(newFiles),
		CreatedAt:  transfer.CreatedAt,
	}, nil
}

// Verify is a thin pass-through to the Access Broker.
func (s *TransferService) Verify(ctx context.Context, transferID, candidateCode string) (string, error) {
	return s.broker.VerifyAccessCode(ctx, transferID, candidateCode)
}

// ListSent returns the caller's outgoing transfers, newest first.
func (s *TransferService) ListSent(ctx context.Context, sessionToken string) ([]*TransferSummary, error) {
	accountID, err := s.directory.VerifySession(ctx, sessionToken)
	if err != nil {
		return nil, broker.ErrUnauthenticated
	}
	summaries, err := s.ledger.ListSent(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.decorate(ctx, summaries)
}

// ListReceived returns the caller's incoming transfers, status-annotated,
// newest first.
func (s *TransferService) ListReceived(ctx context.Context, sessionToken string) ([]*TransferSummary, error) {
	accountID, err := s.directory.VerifySession(ctx, sessionToken)
	if err != nil {
		return nil, broker.ErrUnauthenticated
	}
	summaries, err := s.ledger.ListReceived(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.decorate(ctx, summaries)
}

// IncomingCount counts pending transfers addressed to the caller. There is
// deliberately no seen/unseen state: re-querying may repeat the prompt.
func (s *TransferService) IncomingCount(ctx context.Context, sessionToken string) (int, error) {
	accountID, err := s.directory.VerifySession(ctx, sessionToken)
	if err != nil {
		return 0, broker.ErrUnauthenticated
	}
	return s.ledger.CountPendingFor(ctx, accountID)
}

// ListFiles resolves the caller's side from the credential and returns the
// files still visible to that side.
func (s *TransferService) ListFiles(ctx context.Context, transferID string, cred broker.Credential) ([]*FileInfo, error) {
	side, _, err := s.broker.Resolve(ctx, transferID, cred)
	if err != nil {
		return nil, err
	}
	files, err := s.ledger.ListFilesVisibleTo(ctx, transferID, side)
	if err != nil {
		return nil, err
	}
	infos := make([]*FileInfo, 0, len(files))
	for _, f := range files {
		infos = append(infos, fileInfo(f))
	}
	return infos, nil
}

// DownloadFile streams a file's bytes to an authorized caller. A file hidden
// from the caller's side is indistinguishable from an absent one.
func (s *TransferService) DownloadFile(ctx context.Context, transferID, fileID string, cred broker.Credential) (*Download, error) {
	side, accountID, err := s.broker.Resolve(ctx, transferID, cred)
	if err != nil {
		return nil, err
	}
	file, err := s.ledger.GetFileVisibleTo(ctx, transferID, fileID, side)
	if err != nil {
		return nil, err
	}

	content, err := s.blobs.Open(ctx, file.BlobRef)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			slog.Error("blob missing for ledger file", "transfer_id", transferID, "file_id", fileID, "blob_ref", file.BlobRef)
			return nil, ledger.ErrFileNotFound
		}
		return nil, err
	}

	slog.Info("file downloaded",
		"transfer_id", transferID,
		"file_id", fileID,
		"side", side.String(),
		"account_id", accountID,
	)
	return &Download{
		Filename:    file.OriginalFilename,
		ContentType: file.ContentType,
		SizeBytes:   file.SizeBytes,
		Content:     content,
	}, nil
}

// DeleteFile hides a file from the caller's side. When the other side had
// already hidden it, the ledger hard-deletes the row and the blob is purged
// here, best-effort: a failed blob delete is logged, never retried, and
// cannot resurrect visibility.
func (s *TransferService) DeleteFile(ctx context.Context, transferID, fileID string, cred broker.Credential) (*DeleteResult, error) {
	side, accountID, err := s.broker.Resolve(ctx, transferID, cred)
	if err != nil {
		return nil, err
	}
	result, err := s.ledger.HideForSide(ctx, transferID, fileID, side)
	if err != nil {
		return nil, err
	}

	if result.HardDeleted {
		if err := s.blobs.Delete(ctx, result.BlobRef); err != nil {
			slog.Error("blob purge failed", "blob_ref", result.BlobRef, "error", err)
		}
	}

	slog.Info("file deleted",
		"transfer_id", transferID,
		"file_id", fileID,
		"side", side.String(),
		"account_id", accountID,
		"hard_deleted", result.HardDeleted,
	)
	return &DeleteResult{
		HardDeleted:      result.HardDeleted,
		RemainingVisible: result.RemainingVisible,
	}, nil
}

// bundleEntry pairs an archive name with its already-opened content.
type bundleEntry struct {
	name    string
	content io.ReadCloser
}

// Bundle holds the authorized, opened contents of a transfer, ready to be
// streamed as a ZIP. Close releases any entries WriteTo has not consumed.
type Bundle struct {
	entries []bundleEntry
}

// OpenBundle authorizes the caller and opens every visible file of the
// transfer. All failures happen here, before any response byte exists:
// no visible files, and no retrievable blobs, both yield ErrFileNotFound.
// Individually missing blobs are logged and skipped.
func (s *TransferService) OpenBundle(ctx context.Context, transferID string, cred broker.Credential) (*Bundle, error) {
	side, _, err := s.broker.Resolve(ctx, transferID, cred)
	if err != nil {
		return nil, err
	}
	files, err := s.ledger.ListFilesVisibleTo(ctx, transferID, side)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ledger.ErrFileNotFound
	}

	b := &Bundle{}
	usedNames := make(map[string]bool)
	for _, f := range files {
		content, err := s.blobs.Open(ctx, f.BlobRef)
		if err != nil {
			if errors.Is(err, storage.ErrBlobNotFound) {
				slog.Error("blob missing during bundle", "transfer_id", transferID, "blob_ref", f.BlobRef)
				continue
			}
			b.Close()
			return nil, err
		}
		b.entries = append(b.entries, bundleEntry{
			name:    dedupeArcname(sanitizeFilename(f.OriginalFilename), usedNames),
			content: content,
		})
	}
	if len(b.entries) == 0 {
		return nil, ledger.ErrFileNotFound
	}
	return b, nil
}

// WriteTo streams the ZIP into w. By the time this runs the response status
// is usually committed; a read error mid-stream can only truncate the
// archive, which the ZIP central directory lets the client detect.
func (b *Bundle) WriteTo(w io.Writer) error {
	zw := zip.NewWriter(w)
	for i := range b.entries {
		e := &b.entries[i]
		entry, err := zw.Create(e.name)
		if err == nil {
			_, err = io.Copy(entry, e.content)
		}
		e.content.Close()
		e.content = nil
		if err != nil {
			zw.Close()
			return fmt.Errorf("failed to write bundle entry %s: %w", e.name, err)
		}
	}
	return zw.Close()
}

// Close releases any entries not yet consumed by WriteTo.
func (b *Bundle) Close() error {
	for i := range b.entries {
		if b.entries[i].content != nil {
			b.entries[i].content.Close()
			b.entries[i].content = nil
		}
	}
	return nil
}

// Stats returns aggregate ledger statistics.
func (s *TransferService) Stats(ctx context.Context) (*ledger.Stats, error) {
	return s.ledger.Stats(ctx)
}

// decorate resolves party emails for a batch of summaries.
func (s *TransferService) decorate(ctx context.Context, summaries []*ledger.Summary) ([]*TransferSummary, error) {
	emails := make(map[string]string)
	lookup := func(id string) string {
		if email, ok := emails[id]; ok {
			return email
		}
		account, err := s.directory.Get(ctx, id)
		if err != nil {
			emails[id] = ""
			return ""
		}
		emails[id] = account.Email
		return account.Email
	}

	out := make([]*TransferSummary, 0, len(summaries))
	for _, sum := range summaries {
		out = append(out, &TransferSummary{
			TransferID:    sum.TransferID,
			SenderEmail:   lookup(sum.SenderID),
			ReceiverEmail: lookup(sum.ReceiverID),
			Status:        sum.Status,
			FileCount:     sum.FileCount,
			CodeHint:      sum.CodeHint,
			CreatedAt:     sum.CreatedAt,
			OpenedAt:      sum.OpenedAt,
		})
	}
	return out, nil
}

func fileInfo(f *ledger.File) *FileInfo {
	return &FileInfo{
		ID:          f.ID,
		Filename:    f.OriginalFilename,
		ContentType: f.ContentType,
		SizeBytes:   f.SizeBytes,
		CreatedAt:   f.CreatedAt,
	}
}

// --- Helpers ---

// generateAccessCode produces a random code from the unambiguous alphabet.
func generateAccessCode(length int) (string, error) {
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = codeAlphabet[n.Int64()]
	}
	return string(result), nil
}

// newBlobRef produces a cryptographically random storage key.
func newBlobRef() (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	result := make([]byte, 32)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}

// sanitizeFilename strips directory components and limits length.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.Trim(name, ". ")

	if len(name) > 255 {
		ext := filepath.Ext(name)
		name = name[:255-len(ext)] + ext
	}

	if name == "" || name == "/" {
		name = "file"
	}
	return name
}

// dedupeArcname makes the name unique inside a ZIP bundle.
func dedupeArcname(name string, used map[string]bool) string {
	if !used[name] {
		used[name] = true
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if !used[candidate] {
			used[candidate] = true
			return candidate
		}
	}
}
