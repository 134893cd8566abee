package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memTransfer bundles a transfer with its files and the mutex that
// serializes every mutation of this transfer. read-flags-then-decide-then-
// write in HideForSide happens entirely under mu.
type memTransfer struct {
	mu       sync.Mutex
	transfer Transfer
	files    []*File // insertion order
}

// MemoryLedger is an in-memory Ledger. It backs tests and the database-less
// development mode.
type MemoryLedger struct {
	mu        sync.RWMutex // guards the map itself
	transfers map[string]*memTransfer
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{transfers: make(map[string]*memTransfer)}
}

func (l *MemoryLedger) CreateTransfer(ctx context.Context, params CreateParams) (*Transfer, error) {
	transfer, files, err := newTransferRecord(params)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.transfers[transfer.ID] = &memTransfer{transfer: *transfer, files: files}
	l.mu.Unlock()

	copied := *transfer
	return &copied, nil
}

func (l *MemoryLedger) GetTransfer(ctx context.Context, transferID string) (*Transfer, error) {
	mt, err := l.find(transferID)
	if err != nil {
		return nil, err
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	copied := mt.transfer
	return &copied, nil
}

func (l *MemoryLedger) GetTransferForSender(ctx context.Context, transferID, senderID string) (*Transfer, error) {
	transfer, err := l.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.SenderID != senderID {
		return nil, ErrTransferNotFound
	}
	return transfer, nil
}

func (l *MemoryLedger) GetTransferForReceiver(ctx context.Context, transferID, receiverID string) (*Transfer, error) {
	transfer, err := l.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.ReceiverID != receiverID {
		return nil, ErrTransferNotFound
	}
	return transfer, nil
}

func (l *MemoryLedger) MarkOpened(ctx context.Context, transferID string) error {
	mt, err := l.find(transferID)
	if err != nil {
		return err
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.transfer.Status == StatusOpened {
		return nil
	}
	now := time.Now().UTC()
	mt.transfer.Status = StatusOpened
	mt.transfer.OpenedAt = &now
	mt.transfer.FailedAttempts = 0
	return nil
}

func (l *MemoryLedger) RecordFailedAttempt(ctx context.Context, transferID string) (int, error) {
	mt, err := l.find(transferID)
	if err != nil {
		return 0, err
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.transfer.FailedAttempts++
	return mt.transfer.FailedAttempts, nil
}

func (l *MemoryLedger) ListSent(ctx context.Context, senderID string) ([]*Summary, error) {
	return l.list(func(t *Transfer) bool { return t.SenderID == senderID }, SideSender, true), nil
}

func (l *MemoryLedger) ListReceived(ctx context.Context, receiverID string) ([]*Summary, error) {
	return l.list(func(t *Transfer) bool { return t.ReceiverID == receiverID }, SideReceiver, false), nil
}

func (l *MemoryLedger) CountPendingFor(ctx context.Context, receiverID string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := 0
	for _, mt := range l.transfers {
		mt.mu.Lock()
		if mt.transfer.ReceiverID == receiverID && mt.transfer.Status == StatusPending {
			count++
		}
		mt.mu.Unlock()
	}
	return count, nil
}

func (l *MemoryLedger) ListFilesVisibleTo(ctx context.Context, transferID string, side Side) ([]*File, error) {
	mt, err := l.find(transferID)
	if err != nil {
		return nil, err
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()

	// A transfer with every file hidden or purged still lists; the result is
	// simply empty.
	files := make([]*File, 0, len(mt.files))
	for _, f := range mt.files {
		if f.visibleTo(side) {
			copied := *f
			files = append(files, &copied)
		}
	}
	return files, nil
}

func (l *MemoryLedger) GetFileVisibleTo(ctx context.Context, transferID, fileID string, side Side) (*File, error) {
	mt, err := l.find(transferID)
	if err != nil {
		return nil, err
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()

	for _, f := range mt.files {
		if f.ID == fileID {
			if !f.visibleTo(side) {
				return nil, ErrFileNotFound
			}
			copied := *f
			return &copied, nil
		}
	}
	return nil, ErrFileNotFound
}

func (l *MemoryLedger) HideForSide(ctx context.Context, transferID, fileID string, side Side) (*HideResult, error) {
	mt, err := l.find(transferID)
	if err != nil {
		return nil, err
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()

	idx := -1
	for i, f := range mt.files {
		if f.ID == fileID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, ErrFileNotFound
	}

	file := mt.files[idx]
	result := &HideResult{}

	if file.visibleTo(side) {
		if side == SideSender {
			file.VisibleToSender = false
		} else {
			file.VisibleToReceiver = false
		}
		// Once neither side can see the file it is garbage: drop the row in
		// the same mutation and hand the blob ref back for purging.
		if !file.VisibleToSender && !file.VisibleToReceiver {
			mt.files = append(mt.files[:idx], mt.files[idx+1:]...)
			result.HardDeleted = true
			result.BlobRef = file.BlobRef
		}
	}

	for _, f := range mt.files {
		if f.visibleTo(side) {
			result.RemainingVisible++
		}
	}
	return result, nil
}

func (l *MemoryLedger) Stats(ctx context.Context) (*Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := &Stats{}
	for _, mt := range l.transfers {
		mt.mu.Lock()
		stats.TotalTransfers++
		if mt.transfer.Status == StatusPending {
			stats.PendingTransfers++
		} else {
			stats.OpenedTransfers++
		}
		for _, f := range mt.files {
			stats.StoredBytes += f.SizeBytes
		}
		mt.mu.Unlock()
	}
	return stats, nil
}

func (l *MemoryLedger) find(transferID string) (*memTransfer, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	mt, exists := l.transfers[transferID]
	if !exists {
		return nil, ErrTransferNotFound
	}
	return mt, nil
}

func (l *MemoryLedger) list(match func(*Transfer) bool, side Side, withHint bool) []*Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	summaries := make([]*Summary, 0)
	for _, mt := range l.transfers {
		mt.mu.Lock()
		if match(&mt.transfer) {
			s := &Summary{
				TransferID: mt.transfer.ID,
				SenderID:   mt.transfer.SenderID,
				ReceiverID: mt.transfer.ReceiverID,
				Status:     mt.transfer.Status,
				CreatedAt:  mt.transfer.CreatedAt,
				OpenedAt:   mt.transfer.OpenedAt,
			}
			if withHint {
				s.CodeHint = mt.transfer.CodeHint
			}
			for _, f := range mt.files {
				if f.visibleTo(side) {
					s.FileCount++
				}
			}
			summaries = append(summaries, s)
		}
		mt.mu.Unlock()
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].TransferID < summaries[j].TransferID
		}
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries
}
