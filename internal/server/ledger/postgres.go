package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"handoff/internal/server/database"
)

// PostgresLedger stores transfers in Postgres. Per-transfer serialization is
// provided by row-level locks: every read-decide-write mutation runs in a
// transaction holding SELECT ... FOR UPDATE on the affected row.
type PostgresLedger struct {
	db *database.DB
}

// NewPostgresLedger creates a Ledger backed by the given pool.
func NewPostgresLedger(db *database.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const transferColumns = `id, sender_id, receiver_id, access_code_hash, code_hint,
	status, failed_attempts, opened_at, expires_at, created_at`

const fileColumns = `id, transfer_id, blob_ref, original_filename, content_type,
	size_bytes, visible_to_sender, visible_to_receiver, created_at`

func (l *PostgresLedger) CreateTransfer(ctx context.Context, params CreateParams) (*Transfer, error) {
	transfer, files, err := newTransferRecord(params)
	if err != nil {
		return nil, err
	}

	tx, err := l.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO transfers (id, sender_id, receiver_id, access_code_hash, code_hint,
			status, failed_attempts, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		transfer.ID,
		transfer.SenderID,
		transfer.ReceiverID,
		transfer.AccessCodeHash,
		transfer.CodeHint,
		transfer.Status,
		transfer.FailedAttempts,
		transfer.ExpiresAt,
		transfer.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transfer: %w", err)
	}

	for _, f := range files {
		_, err = tx.Exec(ctx, `
			INSERT INTO transfer_files (id, transfer_id, blob_ref, original_filename,
				content_type, size_bytes, visible_to_sender, visible_to_receiver, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			f.ID, f.TransferID, f.BlobRef, f.OriginalFilename,
			f.ContentType, f.SizeBytes, f.VisibleToSender, f.VisibleToReceiver, f.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert transfer file: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transfer: %w", err)
	}
	return transfer, nil
}

func (l *PostgresLedger) GetTransfer(ctx context.Context, transferID string) (*Transfer, error) {
	return scanTransfer(l.db.Pool.QueryRow(ctx,
		"SELECT "+transferColumns+" FROM transfers WHERE id = $1", transferID))
}

func (l *PostgresLedger) GetTransferForSender(ctx context.Context, transferID, senderID string) (*Transfer, error) {
	return scanTransfer(l.db.Pool.QueryRow(ctx,
		"SELECT "+transferColumns+" FROM transfers WHERE id = $1 AND sender_id = $2",
		transferID, senderID))
}

func (l *PostgresLedger) GetTransferForReceiver(ctx context.Context, transferID, receiverID string) (*Transfer, error) {
	return scanTransfer(l.db.Pool.QueryRow(ctx,
		"SELECT "+transferColumns+" FROM transfers WHERE id = $1 AND receiver_id = $2",
		transferID, receiverID))
}

func (l *PostgresLedger) MarkOpened(ctx context.Context, transferID string) error {
	// Guarding on status makes the transition idempotent; an already-opened
	// transfer matches zero rows and that is fine.
	tag, err := l.db.Pool.Exec(ctx, `
		UPDATE transfers
		SET status = $1, opened_at = NOW(), failed_attempts = 0
		WHERE id = $2 AND status = $3
	`, StatusOpened, transferID, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark transfer opened: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := l.db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM transfers WHERE id = $1)", transferID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check transfer: %w", err)
		}
		if !exists {
			return ErrTransferNotFound
		}
	}
	return nil
}

func (l *PostgresLedger) RecordFailedAttempt(ctx context.Context, transferID string) (int, error) {
	var attempts int
	err := l.db.Pool.QueryRow(ctx, `
		UPDATE transfers SET failed_attempts = failed_attempts + 1
		WHERE id = $1
		RETURNING failed_attempts
	`, transferID).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrTransferNotFound
		}
		return 0, fmt.Errorf("failed to record attempt: %w", err)
	}
	return attempts, nil
}

func (l *PostgresLedger) ListSent(ctx context.Context, senderID string) ([]*Summary, error) {
	return l.listSummaries(ctx, `
		SELECT t.id, t.sender_id, t.receiver_id, t.status, t.code_hint, t.created_at, t.opened_at,
			   COUNT(f.id) FILTER (WHERE f.visible_to_sender)
		FROM transfers t
		LEFT JOIN transfer_files f ON f.transfer_id = t.id
		WHERE t.sender_id = $1
		GROUP BY t.id
		ORDER BY t.created_at DESC, t.id
	`, senderID, true)
}

func (l *PostgresLedger) ListReceived(ctx context.Context, receiverID string) ([]*Summary, error) {
	return l.listSummaries(ctx, `
		SELECT t.id, t.sender_id, t.receiver_id, t.status, t.code_hint, t.created_at, t.opened_at,
			   COUNT(f.id) FILTER (WHERE f.visible_to_receiver)
		FROM transfers t
		LEFT JOIN transfer_files f ON f.transfer_id = t.id
		WHERE t.receiver_id = $1
		GROUP BY t.id
		ORDER BY t.created_at DESC, t.id
	`, receiverID, false)
}

func (l *PostgresLedger) CountPendingFor(ctx context.Context, receiverID string) (int, error) {
	var count int
	err := l.db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM transfers WHERE receiver_id = $1 AND status = $2",
		receiverID, StatusPending,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending transfers: %w", err)
	}
	return count, nil
}

func (l *PostgresLedger) ListFilesVisibleTo(ctx context.Context, transferID string, side Side) ([]*File, error) {
	if _, err := l.GetTransfer(ctx, transferID); err != nil {
		return nil, err
	}

	rows, err := l.db.Pool.Query(ctx,
		"SELECT "+fileColumns+" FROM transfer_files WHERE transfer_id = $1 AND "+visibleColumn(side)+" ORDER BY seq",
		transferID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	files := make([]*File, 0)
	for rows.Next() {
		f, err := scanFileFromRows(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (l *PostgresLedger) GetFileVisibleTo(ctx context.Context, transferID, fileID string, side Side) (*File, error) {
	row := l.db.Pool.QueryRow(ctx,
		"SELECT "+fileColumns+" FROM transfer_files WHERE id = $1 AND transfer_id = $2 AND "+visibleColumn(side),
		fileID, transferID)
	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	return f, nil
}

func (l *PostgresLedger) HideForSide(ctx context.Context, transferID, fileID string, side Side) (*HideResult, error) {
	tx, err := l.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the row so two concurrent hides cannot both read stale flags:
	// exactly one of them observes the other side already hidden.
	var visibleToSender, visibleToReceiver bool
	var blobRef string
	err = tx.QueryRow(ctx, `
		SELECT visible_to_sender, visible_to_receiver, blob_ref
		FROM transfer_files
		WHERE id = $1 AND transfer_id = $2
		FOR UPDATE
	`, fileID, transferID).Scan(&visibleToSender, &visibleToReceiver, &blobRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to lock file row: %w", err)
	}

	result := &HideResult{}
	mine, other := visibleToSender, visibleToReceiver
	if side == SideReceiver {
		mine, other = visibleToReceiver, visibleToSender
	}

	switch {
	case !mine:
		// Already hidden for this side; idempotent no-op.
	case !other:
		if _, err := tx.Exec(ctx,
			"DELETE FROM transfer_files WHERE id = $1", fileID); err != nil {
			return nil, fmt.Errorf("failed to hard-delete file: %w", err)
		}
		result.HardDeleted = true
		result.BlobRef = blobRef
	default:
		if _, err := tx.Exec(ctx,
			"UPDATE transfer_files SET "+visibleColumn(side)+" = FALSE WHERE id = $1", fileID); err != nil {
			return nil, fmt.Errorf("failed to hide file: %w", err)
		}
	}

	err = tx.QueryRow(ctx,
		"SELECT COUNT(*) FROM transfer_files WHERE transfer_id = $1 AND "+visibleColumn(side),
		transferID).Scan(&result.RemainingVisible)
	if err != nil {
		return nil, fmt.Errorf("failed to count remaining files: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit hide: %w", err)
	}
	return result, nil
}

func (l *PostgresLedger) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := l.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'opened'),
			COALESCE((SELECT SUM(size_bytes) FROM transfer_files), 0)
		FROM transfers
	`).Scan(
		&stats.TotalTransfers,
		&stats.PendingTransfers,
		&stats.OpenedTransfers,
		&stats.StoredBytes,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

func (l *PostgresLedger) listSummaries(ctx context.Context, query, accountID string, withHint bool) ([]*Summary, error) {
	rows, err := l.db.Pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	summaries := make([]*Summary, 0)
	for rows.Next() {
		s := &Summary{}
		var hint *string
		if err := rows.Scan(&s.TransferID, &s.SenderID, &s.ReceiverID, &s.Status,
			&hint, &s.CreatedAt, &s.OpenedAt, &s.FileCount); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		if withHint && hint != nil {
			s.CodeHint = *hint
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func visibleColumn(side Side) string {
	if side == SideSender {
		return "visible_to_sender"
	}
	return "visible_to_receiver"
}

func scanTransfer(row pgx.Row) (*Transfer, error) {
	t := &Transfer{}
	var hint *string
	err := row.Scan(&t.ID, &t.SenderID, &t.ReceiverID, &t.AccessCodeHash, &hint,
		&t.Status, &t.FailedAttempts, &t.OpenedAt, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	if hint != nil {
		t.CodeHint = *hint
	}
	return t, nil
}

func scanFile(row pgx.Row) (*File, error) {
	f := &File{}
	var contentType *string
	err := row.Scan(&f.ID, &f.TransferID, &f.BlobRef, &f.OriginalFilename, &contentType,
		&f.SizeBytes, &f.VisibleToSender, &f.VisibleToReceiver, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	if contentType != nil {
		f.ContentType = *contentType
	}
	return f, nil
}

func scanFileFromRows(rows pgx.Rows) (*File, error) {
	f, err := scanFile(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan file: %w", err)
	}
	return f, nil
}
