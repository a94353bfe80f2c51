package api

import (
	"net/http"
	"strings"

	"github.com/rmax-ai/crmseed/pkg/replay"
	"github.com/rmax-ai/crmseed/pkg/store"
)

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(r, "limit", 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
		return
	}

	filter := store.DLQFilter{
		RunID:           q.Get("run_id"),
		IncludeReplayed: q.Get("include_replayed") == "true",
		Limit:           limit,
	}
	if raw := q.Get("category"); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			cat, ok := store.ParseCategory(strings.TrimSpace(c))
			if !ok {
				writeError(w, http.StatusBadRequest, "invalid_request", "unknown category "+c)
				return
			}
			filter.Categories = append(filter.Categories, cat)
		}
	}

	entries, err := s.store.ListDLQEntries(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*store.DLQEntry{}
	}
	s.writeJSON(w, r, http.StatusOK, DLQListResponse{Entries: entries})
}

// replayBody defaults to a dry run when dry_run is omitted.
type replayBody struct {
	replay.Request
	DryRun *bool `json:"dry_run"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var body replayBody
	if !decodeBody(w, r, &body) {
		return
	}
	req := body.Request
	req.DryRun = body.DryRun == nil || *body.DryRun
	req.Actor = actorFrom(r.Context())

	audit, err := s.replayer.Replay(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, audit)
}

func (s *Server) handleListReplays(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 50)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
		return
	}
	audits, err := s.store.ListReplayAudits(r.Context(), r.URL.Query().Get("run_id"), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if audits == nil {
		audits = []*store.ReplayAudit{}
	}
	s.writeJSON(w, r, http.StatusOK, AuditListResponse{Audits: audits})
}
