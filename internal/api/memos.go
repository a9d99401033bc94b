package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/voice-memo/internal/memo"
	"github.com/snarg/voice-memo/internal/metrics"
	"github.com/snarg/voice-memo/internal/recordings"
)

// MemoService is the part of memo.Service the HTTP layer needs.
type MemoService interface {
	Upload(ctx context.Context, in memo.UploadInput) (*memo.UploadResult, error)
	Delete(ctx context.Context, name string) (float64, error)
	List(ctx context.Context) ([]memo.Recording, float64, error)
	Total(ctx context.Context) (float64, error)
	Open(ctx context.Context, name string) (*os.File, error)
}

// MemoHandler serves upload, delete, playback and listing.
type MemoHandler struct {
	svc       MemoService
	maxUpload int64
	log       zerolog.Logger
}

func NewMemoHandler(svc MemoService, maxUpload int64, log zerolog.Logger) *MemoHandler {
	return &MemoHandler{
		svc:       svc,
		maxUpload: maxUpload,
		log:       log.With().Str("component", "memo-api").Logger(),
	}
}

// Routes registers the memo endpoints on r.
func (h *MemoHandler) Routes(r chi.Router) {
	r.Post("/upload", h.Upload)
	r.Delete("/delete/{filename}", h.Delete)
	r.Get("/recordings/{filename}", h.Recording)
	r.Get("/api/recordings", h.List)
}

// Upload accepts a multipart form with an "audio" file part and an optional
// "duration" field in seconds.
func (h *MemoHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, http.ErrNotMultipart):
			h.reject(w, http.StatusBadRequest, msgNoAudio)
		case errors.As(err, &tooLarge):
			h.reject(w, http.StatusRequestEntityTooLarge, msgUploadTooLarge)
		default:
			h.reject(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		}
		return
	}
	defer r.MultipartForm.RemoveAll()

	duration, err := memo.ParseDuration(r.FormValue("duration"))
	if err != nil {
		h.reject(w, http.StatusBadRequest, msgInvalidDuration)
		return
	}

	in := memo.UploadInput{Duration: duration}
	file, header, err := r.FormFile("audio")
	switch {
	case err == nil:
		defer file.Close()
		if header.Filename == "" {
			h.reject(w, http.StatusBadRequest, msgNoSelectedFile)
			return
		}
		in.Audio = file
	case r.MultipartForm.Value["audio"] != nil:
		// A part sent without a filename is parsed as a plain value.
		h.reject(w, http.StatusBadRequest, msgNoSelectedFile)
		return
	}

	// A missing part goes through with no audio and is rejected by the service.
	res, err := h.svc.Upload(r.Context(), in)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// reject answers an upload refused before it reaches the service.
func (h *MemoHandler) reject(w http.ResponseWriter, status int, msg string) {
	metrics.UploadsTotal.WithLabelValues("rejected").Inc()
	WriteError(w, status, msg)
}

// filenameParam returns the {filename} route segment decoded exactly once.
// chi routes on RawPath when the request carried escapes that Path cannot
// represent, and then the segment is still escaped.
func filenameParam(r *http.Request) (string, error) {
	name := chi.URLParam(r, "filename")
	if r.URL.RawPath == "" {
		return name, nil
	}
	return url.PathUnescape(name)
}

type deleteResponse struct {
	Success   bool    `json:"success"`
	TotalCost float64 `json:"total_cost"`
}

// Delete removes a recording and its ledger entry.
func (h *MemoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name, err := filenameParam(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, msgInvalidFilename)
		return
	}
	total, err := h.svc.Delete(r.Context(), name)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, deleteResponse{Success: true, TotalCost: total})
}

// Recording streams a stored file. Unsafe names are reported as not found.
func (h *MemoHandler) Recording(w http.ResponseWriter, r *http.Request) {
	name, err := filenameParam(r)
	if err != nil {
		WriteError(w, http.StatusNotFound, msgFileNotFound)
		return
	}
	f, err := h.svc.Open(r.Context(), name)
	if err != nil {
		if errors.Is(err, recordings.ErrInvalidName) || errors.Is(err, recordings.ErrNotFound) {
			WriteError(w, http.StatusNotFound, msgFileNotFound)
			return
		}
		h.log.Error().Err(err).Str("recording", name).Msg("open failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", recordings.ContentType(name))
	http.ServeContent(w, r, name, st.ModTime(), f)
}

type listResponse struct {
	Recordings []memo.Recording `json:"recordings"`
	TotalCost  float64          `json:"total_cost"`
}

func (h *MemoHandler) List(w http.ResponseWriter, r *http.Request) {
	recs, total, err := h.svc.List(r.Context())
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, listResponse{Recordings: recs, TotalCost: total})
}
