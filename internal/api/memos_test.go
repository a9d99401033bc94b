package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/snarg/voice-memo/internal/config"
	"github.com/snarg/voice-memo/internal/ledger"
	"github.com/snarg/voice-memo/internal/memo"
	"github.com/snarg/voice-memo/internal/metrics"
	"github.com/snarg/voice-memo/internal/recordings"
	"github.com/snarg/voice-memo/internal/transcribe"
)

// stubProvider implements transcribe.Provider for testing.
type stubProvider struct {
	text string
	err  error
}

func (p *stubProvider) Transcribe(ctx context.Context, audioPath string) (*transcribe.Response, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &transcribe.Response{Text: p.text}, nil
}

func (p *stubProvider) Name() string  { return "stub" }
func (p *stubProvider) Model() string { return "stub-1" }

type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

const testIndex = `<title>{{.Title}}</title><span id="total">${{.TotalCost}}</span>{{if .ConfirmDelete}}<i>confirm</i>{{end}}`

type apiEnv struct {
	handler  http.Handler
	dir      string
	provider *stubProvider
	svc      *memo.Service
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	return newAPIEnvWithLog(t, zerolog.Nop())
}

func newAPIEnvWithLog(t *testing.T, log zerolog.Logger) *apiEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := recordings.NewLocalStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	book := ledger.NewBook(ledger.NewFileStore(filepath.Join(dir, config.LedgerFile)))
	provider := &stubProvider{text: "hello world"}
	clock := &tickClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local)}
	svc := memo.NewService(memo.Options{
		Store:         store,
		Book:          book,
		Provider:      provider,
		CostPerMinute: 0.006,
		Now:           clock.Now,
		Log:           zerolog.Nop(),
	})
	cfg := &config.Config{
		Title:         "Test Memos",
		ConfirmDelete: true,
		MaxUploadMB:   1,
		Host:          "127.0.0.1",
		Port:          5001,
	}
	srv, err := NewServer(ServerOptions{
		Config:    cfg,
		Service:   svc,
		WebFS:     fstest.MapFS{"index.html": &fstest.MapFile{Data: []byte(testIndex)}},
		Provider:  provider.Name(),
		Version:   "test",
		StartTime: time.Now(),
		Log:       log,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &apiEnv{handler: srv.Handler(), dir: dir, provider: provider, svc: svc}
}

func buildMultipartForm(t *testing.T, fields map[string]string, fileField string, fileData []byte, fileName string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		writer.WriteField(k, v)
	}
	if fileData != nil && fileField != "" {
		part, err := writer.CreateFormFile(fileField, fileName)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(fileData)
	}
	writer.Close()
	return body, writer.FormDataContentType()
}

func (e *apiEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) upload(t *testing.T, duration string) memo.UploadResult {
	t.Helper()
	body, ct := buildMultipartForm(t, map[string]string{"duration": duration}, "audio", []byte("fake-webm"), "recording.webm")
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := e.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var res memo.UploadResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("JSON decode: %v", err)
	}
	return res
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not valid JSON: %v (%s)", err, rec.Body.String())
	}
	return body.Error
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestUpload_Success(t *testing.T) {
	env := newAPIEnv(t)
	res := env.upload(t, "120")

	if !res.Success {
		t.Error("success = false")
	}
	if res.Filename != "recording_20240101_120001.webm" {
		t.Errorf("filename = %q", res.Filename)
	}
	if res.Transcript != "hello world" {
		t.Errorf("transcript = %q", res.Transcript)
	}
	if !approx(res.Cost, 0.012) || !approx(res.TotalCost, 0.012) {
		t.Errorf("cost = %v, total = %v, want 0.012", res.Cost, res.TotalCost)
	}
	data, err := os.ReadFile(filepath.Join(env.dir, res.Filename))
	if err != nil {
		t.Fatalf("stored file: %v", err)
	}
	if string(data) != "fake-webm" {
		t.Errorf("stored content = %q", data)
	}
}

func TestUpload_MissingDurationIsZero(t *testing.T) {
	env := newAPIEnv(t)
	body, ct := buildMultipartForm(t, nil, "audio", []byte("x"), "a.webm")
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var res memo.UploadResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Cost != 0 || res.Duration != 0 {
		t.Errorf("cost = %v, duration = %v, want 0", res.Cost, res.Duration)
	}
}

func TestUpload_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		build    func(t *testing.T) (io.Reader, string)
		wantCode int
		wantMsg  string
	}{
		{
			name: "no_audio_part",
			build: func(t *testing.T) (io.Reader, string) {
				return buildMultipartForm(t, map[string]string{"duration": "5"}, "", nil, "")
			},
			wantCode: http.StatusBadRequest,
			wantMsg:  "No audio file provided",
		},
		{
			name: "not_multipart",
			build: func(t *testing.T) (io.Reader, string) {
				return strings.NewReader("{}"), "application/json"
			},
			wantCode: http.StatusBadRequest,
			wantMsg:  "No audio file provided",
		},
		{
			name: "empty_filename",
			build: func(t *testing.T) (io.Reader, string) {
				return buildMultipartForm(t, nil, "audio", []byte("x"), "")
			},
			wantCode: http.StatusBadRequest,
			wantMsg:  "No selected file",
		},
		{
			name: "empty_file",
			build: func(t *testing.T) (io.Reader, string) {
				return buildMultipartForm(t, nil, "audio", []byte{}, "a.webm")
			},
			wantCode: http.StatusBadRequest,
			wantMsg:  "No selected file",
		},
		{
			name: "bad_duration",
			build: func(t *testing.T) (io.Reader, string) {
				return buildMultipartForm(t, map[string]string{"duration": "abc"}, "audio", []byte("x"), "a.webm")
			},
			wantCode: http.StatusBadRequest,
			wantMsg:  "Invalid duration",
		},
		{
			name: "negative_duration",
			build: func(t *testing.T) (io.Reader, string) {
				return buildMultipartForm(t, map[string]string{"duration": "-3"}, "audio", []byte("x"), "a.webm")
			},
			wantCode: http.StatusBadRequest,
			wantMsg:  "Invalid duration",
		},
		{
			name: "too_large",
			build: func(t *testing.T) (io.Reader, string) {
				return buildMultipartForm(t, nil, "audio", bytes.Repeat([]byte("x"), 2<<20), "a.webm")
			},
			wantCode: http.StatusRequestEntityTooLarge,
			wantMsg:  "Upload too large",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newAPIEnv(t)
			rejected := metrics.UploadsTotal.WithLabelValues("rejected")
			before := testutil.ToFloat64(rejected)

			body, ct := tt.build(t)
			req := httptest.NewRequest("POST", "/upload", body)
			req.Header.Set("Content-Type", ct)
			rec := env.do(req)
			if got := testutil.ToFloat64(rejected) - before; got != 1 {
				t.Errorf("rejected uploads counted %v times, want 1", got)
			}
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if msg := decodeError(t, rec); msg != tt.wantMsg {
				t.Errorf("error = %q, want %q", msg, tt.wantMsg)
			}
			entries, _ := os.ReadDir(env.dir)
			for _, e := range entries {
				if strings.HasSuffix(e.Name(), ".webm") {
					t.Errorf("unexpected stored file %s", e.Name())
				}
			}
		})
	}
}

func TestUpload_TranscriptionError(t *testing.T) {
	env := newAPIEnv(t)
	env.provider.err = errors.New("error, status code: 401, message: Incorrect API key provided")

	body, ct := buildMultipartForm(t, map[string]string{"duration": "60"}, "audio", []byte("x"), "a.webm")
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := env.do(req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if msg := decodeError(t, rec); msg != env.provider.err.Error() {
		t.Errorf("error = %q, want upstream message", msg)
	}
	total, _ := env.svc.Total(context.Background())
	if total != 0 {
		t.Errorf("total = %v, want 0 after failed transcription", total)
	}
}

func TestDelete(t *testing.T) {
	env := newAPIEnv(t)
	first := env.upload(t, "60")
	env.upload(t, "30")

	rec := env.do(httptest.NewRequest("DELETE", "/delete/"+first.Filename, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Success   bool    `json:"success"`
		TotalCost float64 `json:"total_cost"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Success || !approx(body.TotalCost, 0.003) {
		t.Errorf("body = %+v, want success with total 0.003", body)
	}
	if _, err := os.Stat(filepath.Join(env.dir, first.Filename)); !os.IsNotExist(err) {
		t.Errorf("file still present: %v", err)
	}
}

func TestDelete_Errors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		wantCode int
		wantMsg  string
	}{
		{"wrong_extension", "/delete/notes.txt", http.StatusBadRequest, "Invalid filename"},
		{"encoded_traversal", "/delete/..%2Fcosts.webm", http.StatusBadRequest, "Invalid filename"},
		{"encoded_backslash", "/delete/..%5Cx.webm", http.StatusBadRequest, "Invalid filename"},
		{"missing_file", "/delete/recording_20000101_000000.webm", http.StatusNotFound, "File not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newAPIEnv(t)
			kept := env.upload(t, "60")

			rec := env.do(httptest.NewRequest("DELETE", tt.path, nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if msg := decodeError(t, rec); msg != tt.wantMsg {
				t.Errorf("error = %q, want %q", msg, tt.wantMsg)
			}
			total, _ := env.svc.Total(context.Background())
			if !approx(total, kept.Cost) {
				t.Errorf("total = %v, want unchanged %v", total, kept.Cost)
			}
		})
	}
}

func TestRecording_Serve(t *testing.T) {
	env := newAPIEnv(t)
	res := env.upload(t, "5")

	rec := env.do(httptest.NewRequest("GET", "/recordings/"+res.Filename, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/webm" {
		t.Errorf("Content-Type = %q, want audio/webm", ct)
	}
	if rec.Body.String() != "fake-webm" {
		t.Errorf("body = %q", rec.Body.String())
	}

	for _, path := range []string{
		"/recordings/recording_20000101_000000.webm",
		"/recordings/..%2F" + config.LedgerFile,
		"/recordings/" + config.LedgerFile,
	} {
		rec := env.do(httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, rec.Code)
		}
	}
}

func TestList(t *testing.T) {
	env := newAPIEnv(t)
	env.upload(t, "60")
	second := env.upload(t, "120")

	rec := env.do(httptest.NewRequest("GET", "/api/recordings", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Recordings []memo.Recording `json:"recordings"`
		TotalCost  float64          `json:"total_cost"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Recordings) != 2 {
		t.Fatalf("got %d recordings, want 2", len(body.Recordings))
	}
	if body.Recordings[0].Filename != second.Filename {
		t.Errorf("first = %q, want newest %q", body.Recordings[0].Filename, second.Filename)
	}
	if !body.Recordings[0].OnDisk {
		t.Error("on_disk = false")
	}
	if !approx(body.TotalCost, 0.018) {
		t.Errorf("total_cost = %v, want 0.018", body.TotalCost)
	}
}

func TestIndex(t *testing.T) {
	env := newAPIEnv(t)
	env.upload(t, "120")

	rec := env.do(httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"<title>Test Memos</title>", "$0.012", "confirm"} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q: %s", want, body)
		}
	}
}

func TestNewIndexHandler_MissingTemplate(t *testing.T) {
	_, err := NewIndexHandler(fstest.MapFS{}, nil, "x", false, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for missing index.html")
	}
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "healthy" || body.Checks["ledger"] != "ok" || body.Checks["transcription"] != "stub" {
		t.Errorf("health = %+v", body)
	}
}

type brokenTotals struct{}

func (brokenTotals) Total(ctx context.Context) (float64, error) {
	return 0, errors.New("ledger unreadable")
}

func TestHealth_Unhealthy(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(brokenTotals{}, "", "test", time.Now()).ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	var body HealthResponse
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Checks["transcription"] != "not_configured" {
		t.Errorf("transcription check = %q", body.Checks["transcription"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	env.do(httptest.NewRequest("GET", "/api/recordings", nil))
	rec := env.do(httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "voice_memo_http_requests_total") {
		t.Error("metrics output missing voice_memo_http_requests_total")
	}
}

func TestDelete_PercentInName(t *testing.T) {
	env := newAPIEnv(t)
	for _, name := range []string{"x%41.webm", "xA.webm"} {
		if err := os.WriteFile(filepath.Join(env.dir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	rec := env.do(httptest.NewRequest("GET", "/recordings/x%2541.webm", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "x%41.webm" {
		t.Fatalf("GET status = %d body = %q, want the x%%41.webm file", rec.Code, rec.Body.String())
	}

	rec = env.do(httptest.NewRequest("DELETE", "/delete/x%2541.webm", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if _, err := os.Stat(filepath.Join(env.dir, "x%41.webm")); !os.IsNotExist(err) {
		t.Errorf("named file still present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.dir, "xA.webm")); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}
}

func TestUpload_LogsCarryRequestID(t *testing.T) {
	var buf syncBuffer
	env := newAPIEnvWithLog(t, zerolog.New(&buf))

	body, ct := buildMultipartForm(t, map[string]string{"duration": "60"}, "audio", []byte("x"), "a.webm")
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-Request-ID", "req-42")
	if rec := env.do(req); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		if entry["request_id"] != "req-42" {
			t.Errorf("log line without request id: %s", line)
		}
		if entry["message"] == "recording transcribed" {
			found = true
		}
	}
	if !found {
		t.Errorf("no upload log line in %s", buf.String())
	}
}

// syncBuffer is a bytes.Buffer safe for the logger and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
