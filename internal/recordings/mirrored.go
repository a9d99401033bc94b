package recordings

import (
	"context"
	"io"

	"github.com/rs/zerolog"
	"github.com/snarg/voice-memo/internal/ledger"
)

// Mirror receives best-effort copies of stored recordings.
type Mirror interface {
	Put(ctx context.Context, id ledger.RecordingID, path string) error
	Delete(ctx context.Context, id ledger.RecordingID) error
}

// MirroredStore keeps local disk as the source of truth and pushes every
// write and delete to a Mirror. Mirror failures are logged and never fail the
// local operation.
type MirroredStore struct {
	*LocalStore
	mirror Mirror
	log    zerolog.Logger
}

// NewMirroredStore wraps local with mirror.
func NewMirroredStore(local *LocalStore, mirror Mirror, log zerolog.Logger) *MirroredStore {
	return &MirroredStore{
		LocalStore: local,
		mirror:     mirror,
		log:        log.With().Str("component", "mirrored-store").Logger(),
	}
}

func (s *MirroredStore) Save(ctx context.Context, id ledger.RecordingID, r io.Reader) (string, error) {
	path, err := s.LocalStore.Save(ctx, id, r)
	if err != nil {
		return "", err
	}
	if err := s.mirror.Put(ctx, id, path); err != nil {
		s.log.Warn().Err(err).Str("recording", string(id)).Msg("mirror write failed")
	}
	return path, nil
}

func (s *MirroredStore) Remove(ctx context.Context, id ledger.RecordingID) error {
	if err := s.LocalStore.Remove(ctx, id); err != nil {
		return err
	}
	if err := s.mirror.Delete(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("recording", string(id)).Msg("mirror delete failed")
	}
	return nil
}
