package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func createTestTransfer(t *testing.T, l *MemoryLedger, fileCount int) *Transfer {
	t.Helper()
	params := CreateParams{
		SenderID:   "sender-1",
		ReceiverID: "receiver-1",
		AccessCode: "AB12CD34",
	}
	for i := 0; i < fileCount; i++ {
		params.Files = append(params.Files, NewFile{
			BlobRef:          fmt.Sprintf("blob-%d", i),
			OriginalFilename: fmt.Sprintf("file-%d.pdf", i),
			SizeBytes:        int64(100 * (i + 1)),
		})
	}
	transfer, err := l.CreateTransfer(context.Background(), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return transfer
}

func TestCreateTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects self transfer", func(t *testing.T) {
		l := NewMemoryLedger()
		_, err := l.CreateTransfer(ctx, CreateParams{
			SenderID:   "acct-1",
			ReceiverID: "acct-1",
			AccessCode: "AB12CD34",
			Files:      []NewFile{{BlobRef: "b", OriginalFilename: "f"}},
		})
		if !errors.Is(err, ErrInvalidReceiver) {
			t.Errorf("expected ErrInvalidReceiver, got %v", err)
		}
	})

	t.Run("rejects weak access codes", func(t *testing.T) {
		l := NewMemoryLedger()
		for _, code := range []string{"", "AB12", "12345", "ABC 123", "code!!"} {
			_, err := l.CreateTransfer(ctx, CreateParams{
				SenderID:   "acct-1",
				ReceiverID: "acct-2",
				AccessCode: code,
				Files:      []NewFile{{BlobRef: "b", OriginalFilename: "f"}},
			})
			if !errors.Is(err, ErrWeakAccessCode) {
				t.Errorf("code %q: expected ErrWeakAccessCode, got %v", code, err)
			}
		}
	})

	t.Run("rejects empty file list", func(t *testing.T) {
		l := NewMemoryLedger()
		_, err := l.CreateTransfer(ctx, CreateParams{
			SenderID:   "acct-1",
			ReceiverID: "acct-2",
			AccessCode: "AB12CD34",
		})
		if !errors.Is(err, ErrEmptyTransfer) {
			t.Errorf("expected ErrEmptyTransfer, got %v", err)
		}
	})

	t.Run("stores hash, never the plaintext code", func(t *testing.T) {
		l := NewMemoryLedger()
		transfer := createTestTransfer(t, l, 1)
		if transfer.AccessCodeHash == "AB12CD34" || transfer.AccessCodeHash == "" {
			t.Fatal("access code must be stored hashed")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(transfer.AccessCodeHash), []byte("AB12CD34")); err != nil {
			t.Errorf("stored hash does not match the code: %v", err)
		}
		if transfer.CodeHint != "len:8 ends:34" {
			t.Errorf("unexpected code hint %q", transfer.CodeHint)
		}
	})

	t.Run("starts pending with all files visible to both sides", func(t *testing.T) {
		l := NewMemoryLedger()
		transfer := createTestTransfer(t, l, 3)
		if transfer.Status != StatusPending {
			t.Errorf("expected pending, got %s", transfer.Status)
		}
		for _, side := range []Side{SideSender, SideReceiver} {
			files, err := l.ListFilesVisibleTo(ctx, transfer.ID, side)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(files) != 3 {
				t.Errorf("side %s: expected 3 files, got %d", side, len(files))
			}
		}
	})

	t.Run("files keep insertion order", func(t *testing.T) {
		l := NewMemoryLedger()
		transfer := createTestTransfer(t, l, 5)
		files, err := l.ListFilesVisibleTo(ctx, transfer.ID, SideReceiver)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i, f := range files {
			expected := fmt.Sprintf("file-%d.pdf", i)
			if f.OriginalFilename != expected {
				t.Errorf("position %d: expected %s, got %s", i, expected, f.OriginalFilename)
			}
		}
	})
}

func TestSideScopedGetters(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	transfer := createTestTransfer(t, l, 1)

	t.Run("sender getter", func(t *testing.T) {
		if _, err := l.GetTransferForSender(ctx, transfer.ID, "sender-1"); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if _, err := l.GetTransferForSender(ctx, transfer.ID, "receiver-1"); !errors.Is(err, ErrTransferNotFound) {
			t.Errorf("expected ErrTransferNotFound, got %v", err)
		}
	})

	t.Run("receiver getter", func(t *testing.T) {
		if _, err := l.GetTransferForReceiver(ctx, transfer.ID, "receiver-1"); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if _, err := l.GetTransferForReceiver(ctx, transfer.ID, "sender-1"); !errors.Is(err, ErrTransferNotFound) {
			t.Errorf("expected ErrTransferNotFound, got %v", err)
		}
	})

	t.Run("unknown transfer", func(t *testing.T) {
		if _, err := l.GetTransfer(ctx, "no-such-transfer"); !errors.Is(err, ErrTransferNotFound) {
			t.Errorf("expected ErrTransferNotFound, got %v", err)
		}
	})
}

func TestMarkOpened(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	transfer := createTestTransfer(t, l, 1)

	if _, err := l.RecordFailedAttempt(ctx, transfer.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := l.MarkOpened(ctx, transfer.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := l.GetTransfer(ctx, transfer.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusOpened {
		t.Errorf("expected opened, got %s", got.Status)
	}
	if got.OpenedAt == nil {
		t.Error("expected opened_at to be set")
	}
	if got.FailedAttempts != 0 {
		t.Errorf("expected failed attempts reset, got %d", got.FailedAttempts)
	}

	t.Run("idempotent", func(t *testing.T) {
		first := *got.OpenedAt
		if err := l.MarkOpened(ctx, transfer.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		again, err := l.GetTransfer(ctx, transfer.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if again.Status != StatusOpened || !again.OpenedAt.Equal(first) {
			t.Error("second MarkOpened must be a no-op")
		}
	})

	t.Run("unknown transfer", func(t *testing.T) {
		if err := l.MarkOpened(ctx, "no-such-transfer"); !errors.Is(err, ErrTransferNotFound) {
			t.Errorf("expected ErrTransferNotFound, got %v", err)
		}
	})
}

func TestHideForSide(t *testing.T) {
	ctx := context.Background()

	t.Run("one side hides, other keeps access", func(t *testing.T) {
		l := NewMemoryLedger()
		transfer := createTestTransfer(t, l, 2)
		files, _ := l.ListFilesVisibleTo(ctx, transfer.ID, SideReceiver)

		result, err := l.HideForSide(ctx, transfer.ID, files[0].ID, SideReceiver)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.HardDeleted {
			t.Error("expected soft hide, got hard delete")
		}
		if result.RemainingVisible != 1 {
			t.Errorf("expected 1 remaining for receiver, got %d", result.RemainingVisible)
		}

		senderFiles, _ := l.ListFilesVisibleTo(ctx, transfer.ID, SideSender)
		if len(senderFiles) != 2 {
			t.Errorf("sender must still see 2 files, got %d", len(senderFiles))
		}
		if _, err := l.GetFileVisibleTo(ctx, transfer.ID, files[0].ID, SideReceiver); !errors.Is(err, ErrFileNotFound) {
			t.Errorf("expected ErrFileNotFound for hidden file, got %v", err)
		}
	})

	t.Run("same side twice is a no-op", func(t *testing.T) {
		l := NewMemoryLedger()
		transfer := createTestTransfer(t, l, 1)
		files, _ := l.ListFilesVisibleTo(ctx, transfer.ID, SideSender)

		if _, err := l.HideForSide(ctx, transfer.ID, files[0].ID, SideSender); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		result, err := l.HideForSide(ctx, transfer.ID, files[0].ID, SideSender)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.HardDeleted {
			t.Error("repeated hide must not hard-delete")
		}

		// Receiver's view is untouched either way.
		receiverFiles, _ := l.ListFilesVisibleTo(ctx, transfer.ID, SideReceiver)
		if len(receiverFiles) != 1 {
			t.Errorf("receiver must still see the file, got %d", len(receiverFiles))
		}
	})

	t.Run("second side triggers hard delete", func(t *testing.T) {
		l := NewMemoryLedger()
		transfer := createTestTransfer(t, l, 1)
		files, _ := l.ListFilesVisibleTo(ctx, transfer.ID, SideSender)
		fileID := files[0].ID

		if _, err := l.HideForSide(ctx, transfer.ID, fileID, SideSender); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		result, err := l.HideForSide(ctx, transfer.ID, fileID, SideReceiver)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.HardDeleted {
			t.Fatal("expected hard delete once both sides hid the file")
		}
		if result.BlobRef != "blob-0" {
			t.Errorf("expected blob ref blob-0, got %s", result.BlobRef)
		}

		// Row is gone for everyone; listing still works and returns empty.
		for _, side := range []Side{SideSender, SideReceiver} {
			listed, err := l.ListFilesVisibleTo(ctx, transfer.ID, side)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(listed) != 0 {
				t.Errorf("side %s: expected no files, got %d", side, len(listed))
			}
		}
		if _, err := l.HideForSide(ctx, transfer.ID, fileID, SideSender); !errors.Is(err, ErrFileNotFound) {
			t.Errorf("expected ErrFileNotFound after purge, got %v", err)
		}
	})

	t.Run("unknown file", func(t *testing.T) {
		l := NewMemoryLedger()
		transfer := createTestTransfer(t, l, 1)
		if _, err := l.HideForSide(ctx, transfer.ID, "no-such-file", SideSender); !errors.Is(err, ErrFileNotFound) {
			t.Errorf("expected ErrFileNotFound, got %v", err)
		}
	})
}

// Concurrent hides from both sides must produce exactly one hard delete,
// never zero (leaked blob) and never two (double purge).
func TestHideForSideConcurrent(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		l := NewMemoryLedger()
		transfer := createTestTransfer(t, l, 1)
		files, _ := l.ListFilesVisibleTo(ctx, transfer.ID, SideSender)
		fileID := files[0].ID

		var wg sync.WaitGroup
		results := make([]*HideResult, 2)
		for j, side := range []Side{SideSender, SideReceiver} {
			wg.Add(1)
			go func(j int, side Side) {
				defer wg.Done()
				result, err := l.HideForSide(ctx, transfer.ID, fileID, side)
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				results[j] = result
			}(j, side)
		}
		wg.Wait()

		hardDeletes := 0
		for _, r := range results {
			if r != nil && r.HardDeleted {
				hardDeletes++
			}
		}
		if hardDeletes != 1 {
			t.Fatalf("expected exactly one hard delete, got %d", hardDeletes)
		}
	}
}

func TestListsAndCounts(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	first := createTestTransfer(t, l, 2)
	second, err := l.CreateTransfer(ctx, CreateParams{
		SenderID:   "sender-2",
		ReceiverID: "receiver-1",
		AccessCode: "ZZ99XX88",
		Files:      []NewFile{{BlobRef: "b", OriginalFilename: "f"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("sent lists carry the code hint", func(t *testing.T) {
		sent, err := l.ListSent(ctx, "sender-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(sent) != 1 || sent[0].TransferID != first.ID {
			t.Fatalf("expected the one sent transfer, got %+v", sent)
		}
		if sent[0].CodeHint == "" {
			t.Error("sender summary must include the code hint")
		}
		if sent[0].FileCount != 2 {
			t.Errorf("expected file count 2, got %d", sent[0].FileCount)
		}
	})

	t.Run("received lists omit the code hint", func(t *testing.T) {
		received, err := l.ListReceived(ctx, "receiver-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(received) != 2 {
			t.Fatalf("expected 2 received transfers, got %d", len(received))
		}
		for _, s := range received {
			if s.CodeHint != "" {
				t.Error("receiver summary must not leak the code hint")
			}
		}
	})

	t.Run("pending count follows the state machine", func(t *testing.T) {
		count, err := l.CountPendingFor(ctx, "receiver-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 2 {
			t.Errorf("expected 2 pending, got %d", count)
		}

		if err := l.MarkOpened(ctx, second.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		count, _ = l.CountPendingFor(ctx, "receiver-1")
		if count != 1 {
			t.Errorf("expected 1 pending after open, got %d", count)
		}
	})

	t.Run("fully purged transfer stays listed with zero files", func(t *testing.T) {
		files, _ := l.ListFilesVisibleTo(ctx, second.ID, SideSender)
		for _, f := range files {
			l.HideForSide(ctx, second.ID, f.ID, SideSender)
			l.HideForSide(ctx, second.ID, f.ID, SideReceiver)
		}
		received, err := l.ListReceived(ctx, "receiver-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		found := false
		for _, s := range received {
			if s.TransferID == second.ID {
				found = true
				if s.FileCount != 0 {
					t.Errorf("expected file count 0, got %d", s.FileCount)
				}
			}
		}
		if !found {
			t.Error("purged transfer must remain as a historical record")
		}
	})
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	transfer := createTestTransfer(t, l, 2) // 100 + 200 bytes

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalTransfers != 1 || stats.PendingTransfers != 1 || stats.OpenedTransfers != 0 {
		t.Errorf("unexpected counts: %+v", stats)
	}
	if stats.StoredBytes != 300 {
		t.Errorf("expected 300 stored bytes, got %d", stats.StoredBytes)
	}

	if err := l.MarkOpened(ctx, transfer.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stats, _ = l.Stats(ctx)
	if stats.OpenedTransfers != 1 {
		t.Errorf("expected 1 opened, got %d", stats.OpenedTransfers)
	}
}
