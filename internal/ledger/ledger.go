package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidLedger is returned when a persisted ledger has an unexpected shape.
var ErrInvalidLedger = errors.New("invalid ledger")

// RecordingID identifies a recording. It is the audio file's base name and
// links a ledger entry to the blob on disk.
type RecordingID string

// Entry is one ledger row describing a single uploaded clip. Duration is in
// seconds; Timestamp uses the YYYYMMDD_HHMMSS form of the file name.
type Entry struct {
	Duration  float64 `json:"duration"`
	Cost      float64 `json:"cost"`
	Timestamp string  `json:"timestamp"`
}

// Ledger is the persisted record of all recording costs and their sum.
type Ledger struct {
	TotalCost  float64               `json:"total_cost"`
	Recordings map[RecordingID]Entry `json:"recordings"`
}

// Store persists a Ledger.
type Store interface {
	// Load returns the current ledger, or an empty one if nothing was saved yet.
	Load(ctx context.Context) (*Ledger, error)
	// Save replaces the persisted ledger.
	Save(ctx context.Context, l *Ledger) error
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{Recordings: make(map[RecordingID]Entry)}
}

// CalculateCost returns the cost of a clip of the given length at a
// per-minute rate.
func CalculateCost(durationSeconds, costPerMinute float64) float64 {
	return (durationSeconds / 60.0) * costPerMinute
}

// Recompute sets TotalCost to the sum of every entry's cost. Entries are
// summed in ID order so the result does not depend on map iteration.
func (l *Ledger) Recompute() float64 {
	var total float64
	for _, id := range l.IDs() {
		total += l.Recordings[id].Cost
	}
	l.TotalCost = total
	return total
}

// IDs returns the recording IDs in ascending order.
func (l *Ledger) IDs() []RecordingID {
	ids := make([]RecordingID, 0, len(l.Recordings))
	for id := range l.Recordings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Validate checks a freshly loaded ledger. A missing recordings map is
// migrated to an empty one. The stored total is never trusted and is
// recomputed on success.
func (l *Ledger) Validate() error {
	if l.Recordings == nil {
		l.Recordings = make(map[RecordingID]Entry)
	}
	for id, e := range l.Recordings {
		if id == "" {
			return fmt.Errorf("%w: empty recording id", ErrInvalidLedger)
		}
		if !validNumber(e.Duration) {
			return fmt.Errorf("%w: %s: bad duration %v", ErrInvalidLedger, id, e.Duration)
		}
		if !validNumber(e.Cost) {
			return fmt.Errorf("%w: %s: bad cost %v", ErrInvalidLedger, id, e.Cost)
		}
	}
	l.Recompute()
	return nil
}

// Clone returns a deep copy.
func (l *Ledger) Clone() *Ledger {
	c := &Ledger{
		TotalCost:  l.TotalCost,
		Recordings: make(map[RecordingID]Entry, len(l.Recordings)),
	}
	for id, e := range l.Recordings {
		c.Recordings[id] = e
	}
	return c
}

func validNumber(f float64) bool {
	return f >= 0 && !math.IsInf(f, 0) && !math.IsNaN(f)
}
