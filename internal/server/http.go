package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/beaver-backfill/internal/coordinator"
	"github.com/ChuLiYu/beaver-backfill/internal/jobfile"
	"github.com/ChuLiYu/beaver-backfill/internal/metrics"
	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// maxJobDocument 單一 job 文件的大小上限
const maxJobDocument = 1 << 20

// Handler REST 狀態 API
type Handler struct {
	engine   Engine
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewHandler 創建 REST handler，gatherer 為 nil 時不掛載 /metrics
func NewHandler(engine Engine, gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, gatherer: gatherer, logger: logger}
}

// Router 返回路由
//
//	POST   /jobs             body 為 job YAML/JSON 文件
//	GET    /jobs
//	GET    /jobs/{id}
//	DELETE /jobs/{id}        取消
//	POST   /jobs/{id}/reset  body 可選 {"batch_ids": [...]}
//	GET    /healthz
//	GET    /metrics
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/jobs", h.SubmitJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs", h.ListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", h.CancelJob).Methods(http.MethodDelete)
	r.HandleFunc("/jobs/{id}/reset", h.ResetFailed).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if h.gatherer != nil {
		r.Handle("/metrics", metrics.Handler(h.gatherer)).Methods(http.MethodGet)
	}
	return r
}

func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	spec, err := jobfile.Decode(io.LimitReader(r.Body, maxJobDocument))
	if err != nil {
		h.fail(w, err)
		return
	}
	id, err := h.engine.Submit(r.Context(), spec)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.logger.Info("job submitted over http", "job", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.engine.List()
	if jobs == nil {
		jobs = []types.JobRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	run, err := h.engine.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Cancel(mux.Vars(r)["id"]); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) ResetFailed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BatchIDs []string `json:"batch_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	n, err := h.engine.ResetFailed(r.Context(), mux.Vars(r)["id"], body.BatchIDs...)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrJobRunning), errors.Is(err, types.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
