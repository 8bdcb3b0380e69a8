package ui

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/starfederation/datastar-go/datastar"

	"github.com/megannissel/invest-routedem-tfa-range/internal/pipeline"
	"github.com/megannissel/invest-routedem-tfa-range/internal/state"
	"github.com/megannissel/invest-routedem-tfa-range/internal/ui/notifier"
	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

const defaultRunLimit = 50

type handlers struct {
	store        core.Store
	registryPath string
	notifier     *notifier.Notifier
	logger       *slog.Logger
}

func setupRoutes(r chi.Router, h *handlers) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.runDetail)
		r.Get("/registry", h.registry)
		r.Get("/events", h.events)
	})

	r.Get("/artifacts/{id}", h.artifact)
	r.Get("/artifacts/{id}/{tfa}", h.artifact)
}

// runItem is the JSON shape of a run.
type runItem struct {
	ID          string         `json:"id"`
	Workspace   string         `json:"workspace"`
	Status      core.RunStatus `json:"status"`
	StartedAt   string         `json:"started_at"`
	CompletedAt string         `json:"completed_at,omitempty"`
	DurationMS  int64          `json:"duration_ms,omitempty"`
	Error       string         `json:"error,omitempty"`
}

func toRunItem(run *core.Run) runItem {
	item := runItem{
		ID:        run.ID,
		Workspace: run.Workspace,
		Status:    run.Status,
		StartedAt: run.StartedAt.Format(http.TimeFormat),
		Error:     run.Error,
	}
	if run.CompletedAt != nil {
		item.CompletedAt = run.CompletedAt.Format(http.TimeFormat)
		item.DurationMS = run.CompletedAt.Sub(run.StartedAt).Milliseconds()
	}
	return item
}

type taskItem struct {
	Key        string             `json:"key"`
	Stage      string             `json:"stage"`
	TFA        int                `json:"tfa,omitempty"`
	Status     core.TaskRunStatus `json:"status"`
	DurationMS int64              `json:"duration_ms"`
	Error      string             `json:"error,omitempty"`
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.store.ListRuns(limit)
	if err != nil {
		h.serverError(w, err)
		return
	}
	items := make([]runItem, len(runs))
	for i, run := range runs {
		items[i] = toRunItem(run)
	}
	writeJSON(w, items)
}

func (h *handlers) runDetail(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(chi.URLParam(r, "id"))
	if errors.Is(err, state.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		h.serverError(w, err)
		return
	}
	trs, err := h.store.GetTaskRunsForRun(run.ID)
	if err != nil {
		h.serverError(w, err)
		return
	}
	tasks := make([]taskItem, len(trs))
	for i, tr := range trs {
		tasks[i] = taskItem{
			Key:        tr.TaskKey,
			Stage:      tr.Stage,
			TFA:        tr.TFA,
			Status:     tr.Status,
			DurationMS: tr.DurationMS,
			Error:      tr.Error,
		}
	}
	writeJSON(w, map[string]any{"run": toRunItem(run), "tasks": tasks})
}

func (h *handlers) registry(w http.ResponseWriter, _ *http.Request) {
	paths, err := pipeline.ReadIndex(h.registryPath)
	if errors.Is(err, fs.ErrNotExist) {
		http.Error(w, "no registry yet: run the pipeline first", http.StatusNotFound)
		return
	}
	if err != nil {
		h.serverError(w, err)
		return
	}
	writeJSON(w, paths)
}

// artifact serves one file listed in the registry. Per-TFA artifacts are
// addressed by their id without the template, e.g. /artifacts/stream/100.
func (h *handlers) artifact(w http.ResponseWriter, r *http.Request) {
	paths, err := pipeline.ReadIndex(h.registryPath)
	if errors.Is(err, fs.ErrNotExist) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.serverError(w, err)
		return
	}

	key := chi.URLParam(r, "id")
	if tfa := chi.URLParam(r, "tfa"); tfa != "" {
		key += "_" + pipeline.TFAPlaceholder + ":" + tfa
	}
	path, ok := paths[key]
	if !ok || key == pipeline.IDTaskgraphCache {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

// events streams the latest run, then every run the notifier reports, as
// datastar signal patches.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	updates := h.notifier.Subscribe()
	defer h.notifier.Unsubscribe(updates)

	sse := datastar.NewSSE(w, r)

	if runs, err := h.store.ListRuns(1); err != nil {
		_ = sse.ConsoleError(err)
	} else if len(runs) > 0 {
		_ = sse.MarshalAndPatchSignals(notifier.Update{RunID: runs[0].ID, Status: runs[0].Status})
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := sse.MarshalAndPatchSignals(u); err != nil {
				h.logger.Debug("event stream closed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (h *handlers) serverError(w http.ResponseWriter, err error) {
	h.logger.Error("request failed", slog.String("error", err.Error()))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
