package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/snarg/voice-memo/internal/memo"
	"github.com/snarg/voice-memo/internal/recordings"
)

// Client-facing error messages.
const (
	msgNoAudio         = "No audio file provided"
	msgNoSelectedFile  = "No selected file"
	msgInvalidDuration = "Invalid duration"
	msgInvalidFilename = "Invalid filename"
	msgFileNotFound    = "File not found"
	msgUploadTooLarge  = "Upload too large"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the standard error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// errorStatus maps a service error to its HTTP status and client message.
// Anything unclassified is a 500 carrying the error's own message.
func errorStatus(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, memo.ErrNoAudio):
		return http.StatusBadRequest, msgNoAudio
	case errors.Is(err, memo.ErrEmptyAudio):
		return http.StatusBadRequest, msgNoSelectedFile
	case errors.Is(err, memo.ErrInvalidDuration):
		return http.StatusBadRequest, msgInvalidDuration
	case errors.Is(err, recordings.ErrInvalidName):
		return http.StatusBadRequest, msgInvalidFilename
	case errors.Is(err, recordings.ErrNotFound):
		return http.StatusNotFound, msgFileNotFound
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, msgUploadTooLarge
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

// WriteServiceError writes err using errorStatus.
func WriteServiceError(w http.ResponseWriter, err error) {
	status, msg := errorStatus(err)
	WriteError(w, status, msg)
}
