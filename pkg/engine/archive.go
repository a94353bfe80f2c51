package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rmax-ai/crmseed/pkg/blob"
	"github.com/rmax-ai/crmseed/pkg/store"
)

// ArchiveConfig controls offloading of replayed dead letters to blob storage.
type ArchiveConfig struct {
	Enabled bool `json:"enabled"`
	// Retention is how long a replayed entry stays in the database.
	Retention     time.Duration `json:"retention"`
	BatchSize     int           `json:"batch_size"`
	CheckInterval time.Duration `json:"check_interval"`
}

// ArchiveWorker moves replayed dead letters into gzipped JSONL objects.
type ArchiveWorker struct {
	store  *store.Store
	blobs  blob.Store
	config ArchiveConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewArchiveWorker(st *store.Store, blobs blob.Store, cfg ArchiveConfig, logger *slog.Logger) *ArchiveWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveWorker{store: st, blobs: blobs, config: cfg, logger: logger, now: time.Now}
}

func (w *ArchiveWorker) Run(ctx context.Context) {
	if !w.config.Enabled {
		w.logger.Info("dlq_archive_disabled")
		return
	}
	ticker := time.NewTicker(w.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.ArchiveOnce(ctx); err != nil {
				w.logger.Error("dlq_archive_failed", "error", err)
			}
		}
	}
}

// ArchiveOnce uploads one batch and deletes it from the database. Rows are
// only deleted after the upload succeeded. It returns the number archived.
func (w *ArchiveWorker) ArchiveOnce(ctx context.Context) (int, error) {
	cutoff := w.now().UTC().Add(-w.config.Retention)
	entries, err := w.store.ReadReplayedBefore(ctx, cutoff, w.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read replayed dlq entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			gz.Close()
			return 0, fmt.Errorf("failed to encode dlq entry %s: %w", e.ID, err)
		}
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	key := archiveKey(entries)
	if err := w.blobs.Put(ctx, key, &buf); err != nil {
		return 0, fmt.Errorf("failed to upload dlq archive: %w", err)
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := w.store.DeleteDLQEntries(ctx, ids); err != nil {
		return 0, fmt.Errorf("failed to delete archived dlq entries: %w", err)
	}

	w.logger.Info("dlq_archived", "count", len(entries), "key", key)
	return len(entries), nil
}

// archiveKey is dlq/YYYY/MM/DD/<first>_<last>_<uuid>.jsonl.gz, by replay time.
func archiveKey(entries []*store.DLQEntry) string {
	first := *entries[0].ReplayedAt
	last := *entries[len(entries)-1].ReplayedAt
	year, month, day := first.UTC().Date()
	return fmt.Sprintf("dlq/%04d/%02d/%02d/%d_%d_%s.jsonl.gz",
		year, month, day, first.Unix(), last.Unix(), uuid.NewString())
}
