package memo

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/voice-memo/internal/ledger"
	"github.com/snarg/voice-memo/internal/metrics"
	"github.com/snarg/voice-memo/internal/recordings"
)

// Reconciler keeps the ledger consistent with the storage directory. The
// filesystem decides whether a recording exists: ledger entries whose file
// is gone are pruned. Files without an entry are only reported, since their
// duration (and so their cost) is unknown.
type Reconciler struct {
	store    recordings.Store
	book     *ledger.Book
	interval time.Duration
	log      zerolog.Logger
	started  bool
	stop     chan struct{}
	done     chan struct{}
}

// ReconcileResult summarizes one pass.
type ReconcileResult struct {
	Pruned   []ledger.RecordingID
	Orphaned []ledger.RecordingID
}

// NewReconciler creates a reconciler. A zero interval disables the periodic loop.
func NewReconciler(store recordings.Store, book *ledger.Book, interval time.Duration, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		book:     book,
		interval: interval,
		log:      log.With().Str("component", "reconciler").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Reconcile runs one pass. Existence is checked while the ledger is locked so
// an upload that lands mid-pass is never pruned.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult

	pruned, err := r.book.Prune(ctx, func(id ledger.RecordingID) bool {
		return r.store.Exists(ctx, id)
	})
	if err != nil {
		return res, err
	}
	res.Pruned = pruned
	metrics.LedgerPrunedTotal.Add(float64(len(pruned)))

	files, err := r.store.List(ctx)
	if err != nil {
		return res, err
	}
	l, err := r.book.Snapshot(ctx)
	if err != nil {
		return res, err
	}
	for _, id := range files {
		if _, ok := l.Recordings[id]; !ok {
			res.Orphaned = append(res.Orphaned, id)
		}
	}

	if len(res.Pruned) > 0 || len(res.Orphaned) > 0 {
		r.log.Info().
			Int("pruned", len(res.Pruned)).
			Int("orphaned", len(res.Orphaned)).
			Int("files", len(files)).
			Msg("reconcile complete")
	}
	for _, id := range res.Orphaned {
		r.log.Debug().Str("recording", string(id)).Msg("file has no ledger entry")
	}
	return res, nil
}

// Start runs the periodic loop in the background if an interval is set.
func (r *Reconciler) Start() {
	r.started = true
	if r.interval <= 0 {
		close(r.done)
		return
	}
	go r.loop()
}

// Stop ends the loop and waits for it.
func (r *Reconciler) Stop() {
	if !r.started {
		return
	}
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.done
}

func (r *Reconciler) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			if _, err := r.Reconcile(ctx); err != nil {
				r.log.Warn().Err(err).Msg("reconcile failed")
			}
			cancel()
		case <-r.stop:
			return
		}
	}
}
