package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"

	"artline/internal/engine/auth"
	"artline/internal/events"
)

// SystemActor is recorded on audit rows written by background work.
const SystemActor = "system"

// SweepLocks removes expired locks and locks held by closed initiatives.
func (e Engine) SweepLocks(ctx context.Context, actorID string) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, actorID, auth.ActionLockSweep, auth.Resource{Kind: "lock"}); err != nil {
		return 0, err
	}
	return e.sweep(ctx, tx, actorID)
}

// sweep deletes sweepable locks and commits tx.
func (e Engine) sweep(ctx context.Context, tx *sql.Tx, actorID string) (int, error) {
	locks, reasons, err := e.Repo.SweepableLocks(ctx, tx, e.ts())
	if err != nil {
		return 0, err
	}
	for i, l := range locks {
		if err := e.Repo.DeleteLock(ctx, tx, l.ID); err != nil {
			return 0, err
		}
		if err := e.events().Append(ctx, tx, events.LockSwept, "lock", l.ID, actorID, reasons[i], events.EventPayload{
			"artifact": l.Ref.String(), "initiative_id": l.InitiativeID, "locked_by": l.LockedBy, "lock_expiry": l.LockExpiry,
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	for i := range locks {
		locksSwept.WithLabelValues(reasons[i]).Inc()
	}
	if len(locks) > 0 {
		e.log().WithFields(logrus.Fields{"actor_id": actorID, "swept": len(locks)}).Info("locks swept")
	}
	return len(locks), nil
}

// RunSweeper sweeps on every tick until ctx is done. Failures are logged and
// retried on the next tick.
func (e Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = e.config().SweepInterval()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.sweepOnce(ctx); err != nil && ctx.Err() == nil {
				e.log().WithError(err).Warn("lock sweep failed")
			}
		}
	}
}

func (e Engine) sweepOnce(ctx context.Context) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	return e.sweep(ctx, tx, SystemActor)
}
