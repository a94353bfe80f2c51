package reports

import (
	"context"
	"io"
	"time"

	"github.com/rmax-ai/crmseed/pkg/store"
)

type ReportType string

const (
	ReportTypeDLQ     ReportType = "dlq"
	ReportTypeReplays ReportType = "replays"
)

type ReportParams struct {
	RunID string
	// Start and End bound the row timestamp; zero values leave that side open.
	Start time.Time
	End   time.Time
	// IncludeReplayed keeps already replayed dead letters in the DLQ report.
	IncludeReplayed bool
}

func (p ReportParams) contains(t time.Time) bool {
	if !p.Start.IsZero() && t.Before(p.Start) {
		return false
	}
	if !p.End.IsZero() && t.After(p.End) {
		return false
	}
	return true
}

// ReportStore defines the interface for data access required by reports.
type ReportStore interface {
	ListDLQEntries(ctx context.Context, filter store.DLQFilter) ([]*store.DLQEntry, error)
	ListReplayAudits(ctx context.Context, runID string, limit int) ([]*store.ReplayAudit, error)
}

type Generator interface {
	Generate(ctx context.Context, params ReportParams) (io.Reader, error)
}
