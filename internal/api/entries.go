package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/memoir/internal/ingest"
	"github.com/kalambet/memoir/internal/storage"
)

const maxUploadSize = 10 << 20 // 10MB

type createEntryRequest struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

func handleCreateEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createEntryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Source == "" {
			req.Source = "api"
		}
		ingestText(w, deps, req.Text, req.Source)
	}
}

func handleUploadEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
			return
		}
		defer f.Close()

		data, err := io.ReadAll(f)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
			return
		}
		text, err := ingest.ExtractFile(hdr.Filename, data)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "extracting text: %v", err)
			return
		}
		source := r.FormValue("source")
		if source == "" {
			source = "file"
		}
		ingestText(w, deps, text, source)
	}
}

func ingestText(w http.ResponseWriter, deps AppDeps, text, source string) {
	res, err := deps.Ingest.Ingest(text, source)
	switch {
	case errors.Is(err, ingest.ErrEmptyText), errors.Is(err, ingest.ErrTooLong):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	case err != nil:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to save entry: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type entryView struct {
	EntryID   int64  `json:"entry_id"`
	CreatedAt string `json:"created_at"`
	Source    string `json:"source"`
	Chars     int    `json:"chars"`
}

func handleListEntries(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		entries, err := deps.Store.ListEntries(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list entries: %v", err)
			return
		}
		out := make([]entryView, len(entries))
		for i, e := range entries {
			out[i] = entryView{
				EntryID:   e.ID,
				CreatedAt: formatTime(e.CreatedAt),
				Source:    e.Source,
				Chars:     utf8.RuneCountInString(e.RawText),
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type jobView struct {
	JobID     int64  `json:"job_id"`
	BlockID   int64  `json:"block_id"`
	Idx       int    `json:"idx"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

type entryDetail struct {
	entryView
	Analysis      json.RawMessage       `json:"analysis"`
	AnalysisModel string                `json:"analysis_model,omitempty"`
	PromptVersion string                `json:"prompt_version,omitempty"`
	Status        storage.StatusSummary `json:"status"`
	Jobs          []jobView             `json:"jobs"`
}

// handleGetEntry returns the rollup and job states of one entry. Raw text
// is never included.
func handleGetEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid entry id")
			return
		}

		e, err := deps.Store.GetEntry(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "entry not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get entry: %v", err)
			return
		}

		d := entryDetail{
			entryView: entryView{
				EntryID:   e.ID,
				CreatedAt: formatTime(e.CreatedAt),
				Source:    e.Source,
				Chars:     utf8.RuneCountInString(e.RawText),
			},
			Analysis: json.RawMessage("null"),
			Jobs:     []jobView{},
		}

		ea, err := deps.Store.GetEntryAnalysis(id)
		switch {
		case err == nil:
			d.Analysis = rawJSON(ea.AnalysisJSON)
			d.AnalysisModel = ea.Model
			d.PromptVersion = ea.PromptVersion
		case !errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get entry analysis: %v", err)
			return
		}

		if d.Status, err = deps.Store.StatusSummary(id, deps.MaxAttempts); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to summarize jobs: %v", err)
			return
		}
		jobs, err := deps.Store.ListEntryJobs(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}
		for _, j := range jobs {
			d.Jobs = append(d.Jobs, jobView{
				JobID:     j.ID,
				BlockID:   j.BlockID,
				Idx:       j.Idx,
				Status:    j.Status,
				Attempts:  j.Attempts,
				LastError: j.LastError,
				UpdatedAt: formatTime(j.UpdatedAt),
			})
		}
		writeJSON(w, http.StatusOK, d)
	}
}
