package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runbox/internal/archive"
	"runbox/internal/executor"
	"runbox/internal/history"
	"runbox/internal/languages"
	"runbox/internal/queue"
)

// queueGrace is how long a request may wait for a worker on top of the
// sandbox timeout before the handler gives up.
const queueGrace = 30 * time.Second

type RunRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

type BatchRequest struct {
	Tasks []RunRequest `json:"tasks"`
}

type Options struct {
	MaxCodeChars    int
	MaxArchiveBytes int64
	RunTimeout      time.Duration
	BatchParallel   int
}

type Handler struct {
	queueManager *queue.Manager
	executor     *executor.Executor
	registry     *languages.Registry
	history      *history.Log
	logger       *zerolog.Logger
	opts         Options
}

func NewHandler(
	q *queue.Manager,
	exec *executor.Executor,
	registry *languages.Registry,
	hist *history.Log,
	logger *zerolog.Logger,
	opts Options,
) *Handler {
	if opts.MaxCodeChars <= 0 {
		opts.MaxCodeChars = 5000
	}
	if opts.MaxArchiveBytes <= 0 {
		opts.MaxArchiveBytes = 10 << 20
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = executor.DefaultTimeout
	}
	return &Handler{
		queueManager: q,
		executor:     exec,
		registry:     registry,
		history:      hist,
		logger:       logger,
		opts:         opts,
	}
}

// Run handles POST /run: a single inline snippet.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	lang := normalizeLanguage(req.Language)
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "Field 'code' is required and must be a non-empty string.")
		return
	}
	if len(req.Code) > h.opts.MaxCodeChars {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Code is too long (max %d characters).", h.opts.MaxCodeChars))
		return
	}

	out, ok := h.enqueue(r.Context(), executor.InlineSource(lang, req.Code))
	if !ok {
		writeError(w, http.StatusGatewayTimeout, "Execution timed out")
		return
	}

	h.history.Record(history.Record{
		Language: lang,
		Code:     req.Code,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
		Status:   string(out.Classification),
	})

	writeJSON(w, http.StatusOK, out)
}

// RunBatch handles POST /run-batch: up to the configured number of
// snippets run in parallel, results in request order.
func (h *Handler) RunBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Tasks) == 0 {
		writeError(w, http.StatusBadRequest, "Missing tasks list")
		return
	}

	units := make([]executor.SourceUnit, len(req.Tasks))
	for i, t := range req.Tasks {
		if len(t.Code) > h.opts.MaxCodeChars {
			writeError(w, http.StatusBadRequest, "A task code is too long")
			return
		}
		units[i] = executor.InlineSource(normalizeLanguage(t.Language), t.Code)
	}

	outs := h.executor.RunBatch(r.Context(), units, h.opts.BatchParallel)

	for i, t := range req.Tasks {
		h.history.Record(history.Record{
			Language: units[i].Language,
			Code:     t.Code,
			Stdout:   outs[i].Stdout,
			Stderr:   outs[i].Stderr,
			ExitCode: outs[i].ExitCode,
			Status:   string(outs[i].Classification),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": outs})
}

// RunZip handles POST /run-zip: a multipart zip upload whose entry file
// is run from the extracted directory.
func (h *Handler) RunZip(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxArchiveBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file and entry required (entry = filename inside zip)")
		return
	}
	defer file.Close()

	entry := r.PostFormValue("entry")
	lang := normalizeLanguage(r.PostFormValue("language"))
	if entry == "" {
		writeError(w, http.StatusBadRequest, "file and entry required (entry = filename inside zip)")
		return
	}

	dir, err := os.MkdirTemp("", "runbox-zip-*")
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to create extraction dir")
		writeError(w, http.StatusInternalServerError, "could not stage archive")
		return
	}
	defer os.RemoveAll(dir)

	if err := archive.ExtractZip(file, header.Size, dir); err != nil {
		switch {
		case errors.Is(err, archive.ErrUnsafePath),
			errors.Is(err, archive.ErrTooLarge),
			errors.Is(err, archive.ErrTooManyEntries):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, "Bad zip file")
		}
		return
	}

	if !filepath.IsLocal(entry) {
		writeError(w, http.StatusBadRequest, "Entry file not found in zip")
		return
	}
	if _, err := os.Stat(filepath.Join(dir, entry)); err != nil {
		writeError(w, http.StatusBadRequest, "Entry file not found in zip")
		return
	}

	out, ok := h.enqueue(r.Context(), executor.DirectorySource(lang, entry, dir))
	if !ok {
		writeError(w, http.StatusGatewayTimeout, "Execution timed out")
		return
	}

	h.history.Record(history.Record{
		Language: lang,
		Code:     fmt.Sprintf("[zip run] %s (from %s)", entry, filepath.Base(header.Filename)),
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
		Status:   string(out.Classification),
	})

	writeJSON(w, http.StatusOK, out)
}

// History handles GET /history: most recent runs, newest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	recs, err := h.history.Recent(r.Context(), history.MaxRecords)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load history")
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": recs})
}

type languageInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
}

// Languages handles GET /languages: the registered runtimes.
func (h *Handler) Languages(w http.ResponseWriter, r *http.Request) {
	langs := h.registry.List()
	infos := make([]languageInfo, 0, len(langs))
	for _, l := range langs {
		infos = append(infos, languageInfo{ID: l.ID, Name: l.Name, Image: l.Config.Image})
	}
	writeJSON(w, http.StatusOK, map[string]any{"languages": infos})
}

// enqueue submits the unit to the worker pipeline and waits for its
// outcome. Returns false when the deadline passes first.
func (h *Handler) enqueue(ctx context.Context, unit executor.SourceUnit) (executor.Outcome, bool) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.RunTimeout+queueGrace)
	defer cancel()

	resultChan := make(chan executor.Outcome, 1)
	job := &queue.Job{
		ID:     uuid.NewString(),
		Unit:   unit,
		Result: resultChan,
		Ctx:    ctx,
	}
	h.queueManager.Submit(job)

	select {
	case out := <-resultChan:
		return out, true
	case <-ctx.Done():
		return executor.Outcome{}, false
	}
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return "python"
	}
	return lang
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
