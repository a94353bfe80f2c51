package reports

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ReplayReport lists replay audits. The filter column carries the audit's
// JSON selection verbatim.
type ReplayReport struct {
	store ReportStore
}

func NewReplayReport(s ReportStore) *ReplayReport {
	return &ReplayReport{store: s}
}

func (r *ReplayReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	audits, err := r.store.ListReplayAudits(ctx, params.RunID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to query replay audits: %w", err)
	}

	headers := []string{"created_at", "id", "run_id", "actor", "dry_run", "strategy", "candidates", "selected", "replayed", "filter"}
	var rows [][]string
	for _, a := range audits {
		if !params.contains(a.CreatedAt) {
			continue
		}
		rows = append(rows, []string{
			a.CreatedAt.UTC().Format(time.RFC3339),
			a.ID,
			a.RunID,
			a.Actor,
			strconv.FormatBool(a.DryRun),
			a.Strategy,
			strconv.Itoa(a.CandidateCount),
			strconv.Itoa(a.SelectedCount),
			strconv.Itoa(a.ReplayedCount),
			string(a.Filter),
		})
	}
	return writeCSV(headers, rows)
}
