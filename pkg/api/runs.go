package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rmax-ai/crmseed/pkg/engine"
	"github.com/rmax-ai/crmseed/pkg/store"
)

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	spec, err := req.Spec()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	cfg, err := spec.Config()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	owner := req.Owner
	if owner == "" {
		owner = actorFrom(r.Context())
	}

	run := &store.Run{Owner: owner, Config: cfg}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.logger.Info("run_created", "trace_id", getTraceID(r.Context()), "run_id", run.ID, "owner", owner, "total", cfg.Total, "shape", cfg.Shape)

	if req.StartNow {
		if err := s.exec.Start(r.Context(), run.ID); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		if fresh, err := s.store.GetRun(r.Context(), run.ID); err == nil {
			run = fresh
		}
	}
	s.writeJSON(w, r, http.StatusCreated, s.runResponse(r, run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
		return
	}
	filter := store.RunFilter{Owner: r.URL.Query().Get("owner"), Limit: limit}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, store.RunStatus(strings.TrimSpace(st)))
		}
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	s.writeJSON(w, r, http.StatusOK, RunListResponse{Runs: runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.runResponse(r, run))
}

func (s *Server) runResponse(r *http.Request, run *store.Run) RunResponse {
	resp := RunResponse{Run: run}
	if report, ok := s.exec.Report(run.ID); ok {
		resp.Live = &report
	}
	if n, err := s.store.CountDLQEntries(r.Context(), run.ID); err == nil {
		resp.DLQPending = n
	} else {
		s.logger.Warn("dlq_count_failed", "trace_id", getTraceID(r.Context()), "run_id", run.ID, "error", err)
	}
	return resp
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
		return
	}
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	items, err := engine.Items(run)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	resp := ScheduleResponse{RunID: run.ID, OverrideVersion: run.OverrideVersion, Total: len(items)}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	resp.Items = make([]ScheduleItem, len(items))
	for i, it := range items {
		resp.Items[i] = ScheduleItem{Sequence: it.Sequence, ScheduledAt: it.ScheduledAt, Kind: it.Payload.Kind}
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.exec.Start(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeRun(w, r, id, http.StatusAccepted)
}

func (s *Server) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.exec.Abort(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.logger.Info("run_abort_requested", "trace_id", getTraceID(r.Context()), "run_id", id, "actor", actorFrom(r.Context()))
	s.writeRun(w, r, id, http.StatusAccepted)
}

func (s *Server) writeRun(w http.ResponseWriter, r *http.Request, id string, status int) {
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, r, status, s.runResponse(r, run))
}

// handleOverrideRun replaces the run's parameters. Fields left empty keep
// the current value.
func (s *Server) handleOverrideRun(w http.ResponseWriter, r *http.Request) {
	current, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	var req RunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	spec, err := req.Spec()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	cfg := mergeConfig(current.Config, spec)
	run, err := s.exec.Override(r.Context(), current.ID, cfg)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.runResponse(r, run))
}

func mergeConfig(cfg store.RunConfig, spec *engine.RunSpec) store.RunConfig {
	if spec.Shape != "" {
		cfg.Shape = spec.Shape
	}
	if spec.Total != 0 {
		cfg.Total = spec.Total
	}
	if !spec.Start.IsZero() {
		cfg.Start = spec.Start
	}
	if spec.Duration != 0 {
		cfg.Duration = spec.Duration
	}
	if spec.JitterPct != 0 {
		cfg.JitterPct = spec.JitterPct
	}
	if spec.Seed != 0 {
		cfg.Seed = spec.Seed
	}
	if spec.Mix != (store.RecordMix{}) {
		cfg.Mix = spec.Mix
	}
	if spec.Credential != "" {
		cfg.Credential = spec.Credential
	}
	if spec.Concurrency != 0 {
		cfg.Concurrency = spec.Concurrency
	}
	if spec.MaxRetries != nil {
		cfg.MaxRetries = *spec.MaxRetries
	}
	return cfg
}

func (s *Server) handleResetClaims(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := s.exec.ResetClaims(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.logger.Info("claims_reset_requested", "trace_id", getTraceID(r.Context()), "run_id", id, "released", n, "actor", actorFrom(r.Context()))
	s.writeJSON(w, r, http.StatusOK, ResetClaimsResponse{RunID: id, Released: n})
}
