package api

import (
	"context"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"

	"github.com/rs/zerolog"
)

// TotalReader reports the running transcription cost.
type TotalReader interface {
	Total(ctx context.Context) (float64, error)
}

type indexData struct {
	Title         string
	TotalCost     string
	ConfirmDelete bool
}

// IndexHandler renders the recorder page from index.html in webFS.
type IndexHandler struct {
	tmpl          *template.Template
	totals        TotalReader
	title         string
	confirmDelete bool
	log           zerolog.Logger
}

// NewIndexHandler parses index.html from webFS.
func NewIndexHandler(webFS fs.FS, totals TotalReader, title string, confirmDelete bool, log zerolog.Logger) (*IndexHandler, error) {
	tmpl, err := template.ParseFS(webFS, "index.html")
	if err != nil {
		return nil, fmt.Errorf("parse index template: %w", err)
	}
	return &IndexHandler{
		tmpl:          tmpl,
		totals:        totals,
		title:         title,
		confirmDelete: confirmDelete,
		log:           log,
	}, nil
}

func (h *IndexHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	total, err := h.totals.Total(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("read ledger for index")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = h.tmpl.Execute(w, indexData{
		Title:         h.title,
		TotalCost:     fmt.Sprintf("%.3f", total),
		ConfirmDelete: h.confirmDelete,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("render index")
	}
}
