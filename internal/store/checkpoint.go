package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/elcano/stepsync/internal/progress"
	"github.com/elcano/stepsync/internal/reconcile"
)

const (
	sqlLoadCheckpoint = `SELECT pending_delta, last_synced_total, last_reconciled_at,
		gaps, queued_sessions
		FROM sync_checkpoints WHERE user_id = ?`

	sqlUpsertCheckpoint = `INSERT INTO sync_checkpoints
		(user_id, pending_delta, last_synced_total, last_reconciled_at,
		 gaps, queued_sessions, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
		 pending_delta = excluded.pending_delta,
		 last_synced_total = excluded.last_synced_total,
		 last_reconciled_at = excluded.last_reconciled_at,
		 gaps = excluded.gaps,
		 queued_sessions = excluded.queued_sessions,
		 updated_at = excluded.updated_at`
)

// Gaps and queued sessions are stored as JSON arrays on the checkpoint row,
// so they are written atomically with the rest of the checkpoint.
type gapRow struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type queuedSessionRow struct {
	ID        string `json:"id"`
	Steps     int64  `json:"steps"`
	StartedAt int64  `json:"started_at"`
	EndedAt   int64  `json:"ended_at"`
}

// LoadCheckpoint implements reconcile.CheckpointStore.
func (s *SQLite) LoadCheckpoint(ctx context.Context, uid string) (reconcile.Checkpoint, bool, error) {
	var (
		cp                 reconcile.Checkpoint
		reconciledAt       int64
		gapsRaw, queuedRaw string
	)

	err := s.db.QueryRowContext(ctx, sqlLoadCheckpoint, uid).
		Scan(&cp.PendingDelta, &cp.LastSyncedTotal, &reconciledAt, &gapsRaw, &queuedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return reconcile.Checkpoint{}, false, nil
	}

	if err != nil {
		return reconcile.Checkpoint{}, false, fmt.Errorf("store: loading checkpoint for %s: %w", uid, err)
	}

	cp.LastReconciledAt = fromUnixNano(reconciledAt)

	var gaps []gapRow
	if err := json.Unmarshal([]byte(gapsRaw), &gaps); err != nil {
		return reconcile.Checkpoint{}, false, fmt.Errorf("store: decoding checkpoint gaps for %s: %w", uid, err)
	}

	for _, g := range gaps {
		cp.Gaps = append(cp.Gaps, reconcile.Window{From: fromUnixNano(g.From), To: fromUnixNano(g.To)})
	}

	var queued []queuedSessionRow
	if err := json.Unmarshal([]byte(queuedRaw), &queued); err != nil {
		return reconcile.Checkpoint{}, false, fmt.Errorf("store: decoding queued sessions for %s: %w", uid, err)
	}

	for _, q := range queued {
		cp.Sessions = append(cp.Sessions, progress.SessionInput{
			ID:        q.ID,
			Steps:     q.Steps,
			StartedAt: fromUnixNano(q.StartedAt),
			EndedAt:   fromUnixNano(q.EndedAt),
		})
	}

	return cp, true, nil
}

// SaveCheckpoint implements reconcile.CheckpointStore.
func (s *SQLite) SaveCheckpoint(ctx context.Context, uid string, cp reconcile.Checkpoint) error {
	gaps := make([]gapRow, 0, len(cp.Gaps))
	for _, g := range cp.Gaps {
		gaps = append(gaps, gapRow{From: toUnixNano(g.From), To: toUnixNano(g.To)})
	}

	queued := make([]queuedSessionRow, 0, len(cp.Sessions))
	for _, q := range cp.Sessions {
		queued = append(queued, queuedSessionRow{
			ID:        q.ID,
			Steps:     q.Steps,
			StartedAt: toUnixNano(q.StartedAt),
			EndedAt:   toUnixNano(q.EndedAt),
		})
	}

	gapsRaw, err := json.Marshal(gaps)
	if err != nil {
		return fmt.Errorf("store: encoding checkpoint gaps: %w", err)
	}

	queuedRaw, err := json.Marshal(queued)
	if err != nil {
		return fmt.Errorf("store: encoding queued sessions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, sqlUpsertCheckpoint,
		uid, max(cp.PendingDelta, 0), cp.LastSyncedTotal, toUnixNano(cp.LastReconciledAt),
		string(gapsRaw), string(queuedRaw), s.nowFunc().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: saving checkpoint for %s: %w", uid, err)
	}

	return nil
}

// toUnixNano maps the zero time to 0 so it round-trips.
func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n).UTC()
}
