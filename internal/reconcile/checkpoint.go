package reconcile

import (
	"context"
	"time"

	"github.com/elcano/stepsync/internal/progress"
)

// Checkpoint is the coordinator state that must survive a restart.
// PendingDelta includes any delta that was in flight when it was taken, so
// a crash mid-flush re-sends rather than loses steps.
type Checkpoint struct {
	PendingDelta     int64
	LastSyncedTotal  int64
	LastReconciledAt time.Time

	// Gaps are history windows before LastReconciledAt whose query failed.
	Gaps []Window

	// Sessions are finalized sessions the remote store has not confirmed.
	// They are re-sent with their own IDs.
	Sessions []progress.SessionInput
}

// Window is a half-open [From, To) span of step history.
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) equal(o Window) bool {
	return w.From.Equal(o.From) && w.To.Equal(o.To)
}

// CheckpointStore persists checkpoints per user. Load reports found=false
// for a user that has never been checkpointed.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, uid string) (cp Checkpoint, found bool, err error)
	SaveCheckpoint(ctx context.Context, uid string, cp Checkpoint) error
}
