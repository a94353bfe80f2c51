package api

import (
	"io"
	"net/http"
	"time"

	"github.com/rmax-ai/crmseed/pkg/reports"
)

// handleReport streams a CSV export. since/until are RFC 3339 timestamps.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	reportType := reports.ReportType(r.PathValue("type"))
	gen, err := reports.NewReportGenerator(reportType, s.store)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	q := r.URL.Query()
	params := reports.ReportParams{
		RunID:           q.Get("run_id"),
		IncludeReplayed: q.Get("include_replayed") == "true",
	}
	for name, dst := range map[string]*time.Time{"since": &params.Start, "until": &params.End} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", name+" must be an RFC 3339 timestamp")
			return
		}
		*dst = t
	}

	body, err := gen.Generate(r.Context(), params)
	if err != nil {
		s.logger.Error("report_failed", "type", reportType, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_server_error", "failed to generate report")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+string(reportType)+`.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}
