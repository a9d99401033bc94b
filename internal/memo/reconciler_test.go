package memo

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/voice-memo/internal/ledger"
)

func TestReconcile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	kept, _ := env.svc.Upload(ctx, UploadInput{Audio: strings.NewReader("x"), Duration: 60})
	gone, _ := env.svc.Upload(ctx, UploadInput{Audio: strings.NewReader("x"), Duration: 30})
	os.Remove(filepath.Join(env.store.Dir(), gone.Filename))
	orphan := ledger.RecordingID("recording_20230101_000000.webm")
	env.store.Save(ctx, orphan, strings.NewReader("x"))

	r := NewReconciler(env.store, env.book, 0, zerolog.Nop())
	res, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.Pruned) != 1 || string(res.Pruned[0]) != gone.Filename {
		t.Errorf("Pruned = %v, want [%s]", res.Pruned, gone.Filename)
	}
	if len(res.Orphaned) != 1 || res.Orphaned[0] != orphan {
		t.Errorf("Orphaned = %v, want [%s]", res.Orphaned, orphan)
	}

	snap, _ := env.book.Snapshot(ctx)
	if _, ok := snap.Recordings[ledger.RecordingID(kept.Filename)]; !ok {
		t.Error("kept entry was pruned")
	}
	if !approxEqual(snap.TotalCost, 0.006) {
		t.Errorf("TotalCost = %v, want 0.006", snap.TotalCost)
	}
	// Orphan files are never deleted.
	if !env.store.Exists(ctx, orphan) {
		t.Error("orphan file removed")
	}
}

func TestReconciler_StartStop(t *testing.T) {
	env := newTestEnv(t)

	idle := NewReconciler(env.store, env.book, 0, zerolog.Nop())
	idle.Start()
	idle.Stop()

	// Stop without Start must not block.
	NewReconciler(env.store, env.book, time.Minute, zerolog.Nop()).Stop()

	ctx := context.Background()
	res, _ := env.svc.Upload(ctx, UploadInput{Audio: strings.NewReader("x"), Duration: 60})
	os.Remove(filepath.Join(env.store.Dir(), res.Filename))

	r := NewReconciler(env.store, env.book, 20*time.Millisecond, zerolog.Nop())
	r.Start()
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if total, _ := env.svc.Total(ctx); total == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("periodic reconcile did not prune the missing file's entry")
}

func TestWatcher_PrunesRemovedFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, _ := env.svc.Upload(ctx, UploadInput{Audio: strings.NewReader("x"), Duration: 60})
	other, _ := env.svc.Upload(ctx, UploadInput{Audio: strings.NewReader("x"), Duration: 30})

	w := NewWatcher(env.store, env.book, zerolog.Nop())
	if err := w.Start(); err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	defer w.Stop()

	if err := os.Remove(filepath.Join(env.store.Dir(), res.Filename)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && w.Pruned() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if w.Pruned() != 1 {
		t.Fatalf("Pruned = %d, want 1", w.Pruned())
	}

	snap, _ := env.book.Snapshot(ctx)
	if _, ok := snap.Recordings[ledger.RecordingID(other.Filename)]; !ok {
		t.Error("unrelated entry pruned")
	}
	if !approxEqual(snap.TotalCost, 0.003) {
		t.Errorf("TotalCost = %v, want 0.003", snap.TotalCost)
	}
}
