package reports

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rmax-ai/crmseed/pkg/store"
)

// DLQReport lists dead letters, one row per entry.
type DLQReport struct {
	store ReportStore
}

func NewDLQReport(s ReportStore) *DLQReport {
	return &DLQReport{store: s}
}

func (r *DLQReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	entries, err := r.store.ListDLQEntries(ctx, store.DLQFilter{
		RunID:           params.RunID,
		IncludeReplayed: params.IncludeReplayed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}

	headers := []string{"failed_at", "id", "run_id", "override_version", "sequence", "kind", "category", "retry_count", "last_error", "replayed_at"}
	var rows [][]string
	for _, e := range entries {
		if !params.contains(e.FailedAt) {
			continue
		}
		replayed := ""
		if e.ReplayedAt != nil {
			replayed = e.ReplayedAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{
			e.FailedAt.UTC().Format(time.RFC3339),
			e.ID,
			e.RunID,
			strconv.Itoa(e.OverrideVersion),
			strconv.Itoa(e.Sequence),
			e.Payload.Kind,
			string(e.Category),
			strconv.Itoa(e.RetryCount),
			e.LastError,
			replayed,
		})
	}
	return writeCSV(headers, rows)
}
