package memo

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/snarg/voice-memo/internal/ledger"
	"github.com/snarg/voice-memo/internal/recordings"
)

// Watcher drops ledger entries as soon as their file is removed or renamed
// outside the app (an operator cleaning the volume, for example).
type Watcher struct {
	store recordings.Store
	book  *ledger.Book
	log   zerolog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}

	pruned atomic.Int64
}

// NewWatcher creates a watcher on the store's directory.
func NewWatcher(store recordings.Store, book *ledger.Book, log zerolog.Logger) *Watcher {
	return &Watcher{
		store: store,
		book:  book,
		log:   log.With().Str("component", "watcher").Logger(),
		done:  make(chan struct{}),
	}
}

// Start begins watching. It returns an error if the directory cannot be watched.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.store.Dir()); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw
	go w.run()
	w.log.Info().Str("dir", w.store.Dir()).Msg("watching recordings")
	return nil
}

// Stop closes the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	w.watcher.Close()
	<-w.done
}

// Pruned returns the number of entries removed so far.
func (w *Watcher) Pruned() int64 { return w.pruned.Load() }

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(ev.Name)
			if !recordings.IsRecordingName(name) {
				continue
			}
			w.handleGone(ledger.RecordingID(name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) handleGone(id ledger.RecordingID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	removed, err := w.book.Prune(ctx, func(other ledger.RecordingID) bool {
		return other != id || w.store.Exists(ctx, id)
	})
	if err != nil {
		w.log.Warn().Err(err).Str("recording", string(id)).Msg("prune failed")
		return
	}
	if len(removed) > 0 {
		w.pruned.Add(int64(len(removed)))
		w.log.Info().Str("recording", string(id)).Msg("ledger entry dropped for removed file")
	}
}
