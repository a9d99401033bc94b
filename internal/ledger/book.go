package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Book is the single writer for a ledger Store. Every read-modify-write runs
// under one mutex, so concurrent uploads and deletes cannot overwrite each
// other's changes. The total is recomputed from the entries on every write.
type Book struct {
	mu    sync.Mutex
	store Store
}

// NewBook wraps store with a serializing writer.
func NewBook(store Store) *Book {
	return &Book{store: store}
}

// Snapshot returns a copy of the current ledger.
func (b *Book) Snapshot(ctx context.Context) (*Ledger, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, err := b.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return l.Clone(), nil
}

// Record adds or replaces the entry for id and returns the new total.
func (b *Book) Record(ctx context.Context, id RecordingID, e Entry) (float64, error) {
	if id == "" {
		return 0, fmt.Errorf("%w: empty recording id", ErrInvalidLedger)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	l, err := b.store.Load(ctx)
	if err != nil {
		return 0, err
	}
	l.Recordings[id] = e
	total := l.Recompute()
	if err := b.store.Save(ctx, l); err != nil {
		return 0, err
	}
	return total, nil
}

// Remove deletes the entry for id. When no entry exists the ledger is left
// untouched and removed is false. The returned total is current either way.
func (b *Book) Remove(ctx context.Context, id RecordingID) (total float64, removed bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, err := b.store.Load(ctx)
	if err != nil {
		return 0, false, err
	}
	if _, ok := l.Recordings[id]; !ok {
		return l.Recompute(), false, nil
	}
	delete(l.Recordings, id)
	total = l.Recompute()
	if err := b.store.Save(ctx, l); err != nil {
		return 0, false, err
	}
	return total, true, nil
}

// Prune removes every entry for which keep returns false and returns the
// removed IDs in ascending order. Nothing is written if nothing is removed.
func (b *Book) Prune(ctx context.Context, keep func(RecordingID) bool) ([]RecordingID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, err := b.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	var removed []RecordingID
	for _, id := range l.IDs() {
		if !keep(id) {
			delete(l.Recordings, id)
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	l.Recompute()
	if err := b.store.Save(ctx, l); err != nil {
		return nil, err
	}
	return removed, nil
}
