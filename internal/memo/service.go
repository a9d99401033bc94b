package memo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/voice-memo/internal/ledger"
	"github.com/snarg/voice-memo/internal/metrics"
	"github.com/snarg/voice-memo/internal/recordings"
	"github.com/snarg/voice-memo/internal/transcribe"
)

var (
	ErrNoAudio         = errors.New("no audio file provided")
	ErrEmptyAudio      = errors.New("no selected file")
	ErrInvalidDuration = errors.New("invalid duration")
)

// UpstreamError wraps a transcription provider failure. Its message is the
// provider's message unchanged.
type UpstreamError struct {
	Provider string
	Err      error
}

func (e *UpstreamError) Error() string { return e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// Service runs the upload, delete and listing flows.
type Service struct {
	store         recordings.Store
	book          *ledger.Book
	provider      transcribe.Provider
	costPerMinute float64
	now           func() time.Time
	log           zerolog.Logger
}

// Options configures a Service.
type Options struct {
	Store         recordings.Store
	Book          *ledger.Book
	Provider      transcribe.Provider
	CostPerMinute float64
	Now           func() time.Time // defaults to time.Now
	Log           zerolog.Logger
}

// NewService creates a memo service.
func NewService(opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:         opts.Store,
		book:          opts.Book,
		provider:      opts.Provider,
		costPerMinute: opts.CostPerMinute,
		now:           now,
		log:           opts.Log.With().Str("component", "memo").Logger(),
	}
}

// UploadInput is one uploaded clip. Duration is in seconds as reported by
// the browser.
type UploadInput struct {
	Audio    io.Reader
	Duration float64
}

// UploadResult is returned to the browser after a successful upload.
type UploadResult struct {
	Success    bool    `json:"success"`
	Filename   string  `json:"filename"`
	Transcript string  `json:"transcript"`
	Duration   float64 `json:"duration"`
	Cost       float64 `json:"cost"`
	TotalCost  float64 `json:"total_cost"`
}

// Upload stores the clip, transcribes it and records its cost. A nil or
// empty reader is rejected before anything is written. The stored file is
// kept if transcription fails.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	if in.Audio == nil {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrNoAudio
	}
	if !validDuration(in.Duration) {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrInvalidDuration
	}
	audio := bufio.NewReader(in.Audio)
	if _, err := audio.Peek(1); err == io.EOF {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrEmptyAudio
	}

	id, stamp := recordings.NewName(s.now())
	log := s.logger(ctx).With().Str("recording", string(id)).Logger()

	path, err := s.store.Save(ctx, id, audio)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("save %s: %w", id, err)
	}
	log.Debug().Str("path", path).Msg("recording saved")

	start := time.Now()
	resp, err := s.provider.Transcribe(ctx, path)
	elapsed := time.Since(start)
	if err != nil {
		metrics.TranscriptionDuration.WithLabelValues(s.provider.Name(), "error").Observe(elapsed.Seconds())
		metrics.UploadsTotal.WithLabelValues("transcription_error").Inc()
		log.Error().Err(err).Str("provider", s.provider.Name()).Msg("transcription failed")
		return nil, &UpstreamError{Provider: s.provider.Name(), Err: err}
	}
	metrics.TranscriptionDuration.WithLabelValues(s.provider.Name(), "ok").Observe(elapsed.Seconds())

	cost := ledger.CalculateCost(in.Duration, s.costPerMinute)
	total, err := s.book.Record(ctx, id, ledger.Entry{
		Duration:  in.Duration,
		Cost:      cost,
		Timestamp: stamp,
	})
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("record cost: %w", err)
	}

	metrics.UploadsTotal.WithLabelValues("ok").Inc()
	metrics.AudioSecondsTotal.Add(in.Duration)
	log.Info().
		Float64("duration", in.Duration).
		Float64("cost", cost).
		Float64("total_cost", total).
		Dur("transcribe_ms", elapsed).
		Msg("recording transcribed")

	return &UploadResult{
		Success:    true,
		Filename:   string(id),
		Transcript: resp.Text,
		Duration:   in.Duration,
		Cost:       cost,
		TotalCost:  total,
	}, nil
}

// logger returns the request-scoped logger carried by ctx, falling back to
// the service logger outside a request.
func (s *Service) logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		scoped := l.With().Str("handler", "memo").Logger()
		return &scoped
	}
	return &s.log
}

// Delete removes the recording file and its ledger entry and returns the new
// total. Invalid names fail with recordings.ErrInvalidName whether or not the
// file exists; a valid name with no file fails with recordings.ErrNotFound
// and leaves the ledger untouched.
func (s *Service) Delete(ctx context.Context, name string) (float64, error) {
	id := ledger.RecordingID(name)
	log := s.logger(ctx).With().Str("recording", name).Logger()
	log.Debug().Msg("delete requested")

	if err := s.store.Remove(ctx, id); err != nil {
		switch {
		case errors.Is(err, recordings.ErrInvalidName):
			metrics.DeletesTotal.WithLabelValues("invalid").Inc()
			log.Warn().Msg("invalid filename or path traversal attempt")
		case errors.Is(err, recordings.ErrNotFound):
			metrics.DeletesTotal.WithLabelValues("not_found").Inc()
			log.Warn().Msg("file not found")
		default:
			metrics.DeletesTotal.WithLabelValues("error").Inc()
			log.Error().Err(err).Msg("delete failed")
		}
		return 0, err
	}

	total, removed, err := s.book.Remove(ctx, id)
	if err != nil {
		metrics.DeletesTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("ledger update failed after file removal")
		return 0, fmt.Errorf("update ledger: %w", err)
	}

	metrics.DeletesTotal.WithLabelValues("ok").Inc()
	log.Info().Bool("ledger_entry", removed).Float64("total_cost", total).Msg("recording deleted")
	return total, nil
}

// Recording is a ledger entry joined with the file's presence on disk.
type Recording struct {
	Filename  string  `json:"filename"`
	Duration  float64 `json:"duration"`
	Cost      float64 `json:"cost"`
	Timestamp string  `json:"timestamp"`
	OnDisk    bool    `json:"on_disk"`
}

// List returns every ledger entry, newest first, and the running total.
func (s *Service) List(ctx context.Context) ([]Recording, float64, error) {
	l, err := s.book.Snapshot(ctx)
	if err != nil {
		return nil, 0, err
	}
	out := make([]Recording, 0, len(l.Recordings))
	for _, id := range l.IDs() {
		e := l.Recordings[id]
		out = append(out, Recording{
			Filename:  string(id),
			Duration:  e.Duration,
			Cost:      e.Cost,
			Timestamp: e.Timestamp,
			OnDisk:    s.store.Exists(ctx, id),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].Filename > out[j].Filename
	})
	return out, l.TotalCost, nil
}

// Total returns the running total.
func (s *Service) Total(ctx context.Context) (float64, error) {
	l, err := s.book.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return l.TotalCost, nil
}

// LedgerTotals implements metrics.LedgerStats.
func (s *Service) LedgerTotals(ctx context.Context) (float64, int, error) {
	l, err := s.book.Snapshot(ctx)
	if err != nil {
		return 0, 0, err
	}
	return l.TotalCost, len(l.Recordings), nil
}

// Open returns a stored recording for streaming.
func (s *Service) Open(ctx context.Context, name string) (*os.File, error) {
	return s.store.Open(ctx, ledger.RecordingID(name))
}

// ParseDuration reads the duration form field. An absent value is zero
// seconds; anything that is not a finite, non-negative number is rejected.
func ParseDuration(v string) (float64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	d, err := strconv.ParseFloat(v, 64)
	if err != nil || !validDuration(d) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, v)
	}
	return d, nil
}

func validDuration(d float64) bool {
	return d >= 0 && !math.IsInf(d, 0) && !math.IsNaN(d)
}
