package transcribe

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by the Unconfigured provider.
var ErrNotConfigured = errors.New("transcription is not configured: OPENAI_API_KEY is not set")

// Provider is the interface for speech-to-text backends.
type Provider interface {
	// Transcribe sends the audio file at audioPath and returns its text.
	// Errors carry the upstream message unchanged.
	Transcribe(ctx context.Context, audioPath string) (*Response, error)
	Name() string  // "openai", "unconfigured"
	Model() string // model identifier for logs
}

// Response is the common transcription result from any provider.
type Response struct {
	Text string
}

// Unconfigured stands in when the server was allowed to start without a
// credential. Every call fails.
type Unconfigured struct{}

func (Unconfigured) Transcribe(ctx context.Context, audioPath string) (*Response, error) {
	return nil, ErrNotConfigured
}

func (Unconfigured) Name() string  { return "unconfigured" }
func (Unconfigured) Model() string { return "" }
