// Package archive exports terminal-execution audit records for long-term
// retention, to a local directory or an S3 bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"automation-scheduler/internal/store"
)

// Sink persists one export object.
type Sink interface {
	Store(ctx context.Context, key string, body []byte, contentType string) error
}

// Archiver periodically drains terminal execution audit rows into the sink
// as JSON-lines batches. The audit tables stay append-only; the archiver
// only reads.
type Archiver struct {
	store    store.Store
	sink     Sink
	interval time.Duration
	batch    int
	log      zerolog.Logger

	// Keyset cursor: audit rows can share a recorded_at, so the id tiebreak
	// keeps a batch boundary inside a tie resumable.
	cursorAt time.Time
	cursorID string
}

func New(st store.Store, sink Sink, interval time.Duration, log zerolog.Logger) *Archiver {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Archiver{
		store:    st,
		sink:     sink,
		interval: interval,
		batch:    500,
		log:      log,
	}
}

// Run exports batches until the context is canceled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if n, err := a.ExportOnce(ctx, now); err != nil {
				a.log.Error().Err(err).Msg("export execution audits")
			} else if n > 0 {
				a.log.Info().Int("records", n).Msg("archived execution audits")
			}
		}
	}
}

// ExportOnce writes at most one batch and advances the cursor past it.
func (a *Archiver) ExportOnce(ctx context.Context, now time.Time) (int, error) {
	records, err := a.store.TerminalExecutionAudits(ctx, a.cursorAt, a.cursorID, a.batch)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return 0, fmt.Errorf("encode audit record: %w", err)
		}
	}

	key := fmt.Sprintf("executions/%s.jsonl", now.UTC().Format("20060102T150405"))
	if err := a.sink.Store(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("store export %s: %w", key, err)
	}
	last := records[len(records)-1]
	a.cursorAt = last.RecordedAt
	a.cursorID = last.ID
	return len(records), nil
}
