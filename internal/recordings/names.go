package recordings

import (
	"errors"
	"strings"
	"time"

	"github.com/snarg/voice-memo/internal/ledger"
)

const (
	// Ext is the only accepted recording extension.
	Ext = ".webm"

	namePrefix      = "recording_"
	timestampLayout = "20060102_150405"
)

var (
	ErrInvalidName = errors.New("invalid filename")
	ErrNotFound    = errors.New("file not found")
)

// NewName returns the recording ID for a clip stored at t along with the
// timestamp embedded in it. Two uploads in the same second get the same name.
func NewName(t time.Time) (ledger.RecordingID, string) {
	ts := t.Format(timestampLayout)
	return ledger.RecordingID(namePrefix + ts + Ext), ts
}

// ValidateName rejects names without the recording extension or with a path
// separator in them.
func ValidateName(name string) error {
	if !strings.HasSuffix(name, Ext) || strings.ContainsAny(name, `/\`) {
		return ErrInvalidName
	}
	return nil
}

// IsRecordingName reports whether name looks like a file this app created.
func IsRecordingName(name string) bool {
	return strings.HasPrefix(name, namePrefix) && ValidateName(name) == nil
}

// ContentType returns the MIME type for a recording file name.
func ContentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".webm"):
		return "audio/webm"
	case strings.HasSuffix(name, ".ogg"):
		return "audio/ogg"
	case strings.HasSuffix(name, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(name, ".m4a"):
		return "audio/mp4"
	case strings.HasSuffix(name, ".mp3"):
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}
