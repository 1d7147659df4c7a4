package rating

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/leadgen-engine/internal/pkg/distlock"
	"github.com/ignite/leadgen-engine/internal/pkg/logger"
)

// The hash guard is the authoritative cache-busting path. For every active
// task it recomputes the fingerprint from the task's text fields and
// compares it against the stored one; on mismatch it purges every contact
// rating, zeroes the subscriber limit and stores the new fingerprint — all
// inside one transaction so purge and fingerprint stay consistent.

var guardSubColumn = map[string]string{
	"branches": "task_branches",
	"geo":      "task_geo",
	"client":   "task_client",
}

// GuardKinds are the fingerprint contexts the guard maintains.
var GuardKinds = []string{"branches", "geo", "client"}

// Guard recomputes task fingerprints and invalidates stale ratings.
type Guard struct {
	db   *sql.DB
	lock distlock.DistLock // singleton across processes; nil runs unguarded
}

// NewGuard creates a hash guard. lock may be nil (single-process setups).
func NewGuard(db *sql.DB, lock distlock.DistLock) *Guard {
	return &Guard{db: db, lock: lock}
}

// Run sweeps all active tasks once. It is registered as a periodic
// scheduler task.
func (g *Guard) Run(ctx context.Context) error {
	run := func() error {
		rows, err := g.db.QueryContext(ctx, `
			SELECT id FROM aap_audience_audiencetask
			WHERE run_processing = true AND archived = false
			ORDER BY id
		`)
		if err != nil {
			return fmt.Errorf("hash guard: list tasks: %w", err)
		}
		defer rows.Close()

		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("hash guard: scan task id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			for _, kind := range GuardKinds {
				changed, err := g.GuardTask(ctx, id, kind)
				if err != nil {
					logger.Error("hash guard failed", "task_id", id, "kind", kind, "error", err)
					continue
				}
				if changed {
					logger.Info("hash guard invalidated task", "task_id", id, "kind", kind)
				}
			}
		}
		return nil
	}

	if g.lock == nil {
		return run()
	}
	ran, err := distlock.WithLock(ctx, g.lock, func(context.Context) error { return run() })
	if err != nil {
		return err
	}
	if !ran {
		logger.Debug("hash guard: another instance holds the lock")
	}
	return nil
}

// GuardTask checks one (task, kind) fingerprint and invalidates on
// mismatch. Returns true when an invalidation ran.
func (g *Guard) GuardTask(ctx context.Context, taskID int64, kind string) (bool, error) {
	subCol, ok := guardSubColumn[kind]
	if !ok {
		return false, fmt.Errorf("hash guard: unknown kind %q", kind)
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("hash guard: begin: %w", err)
	}
	defer tx.Rollback()

	var main, sub string
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(task,''), COALESCE(`+subCol+`,'')
		FROM aap_audience_audiencetask
		WHERE id = $1
		FOR UPDATE
	`, taskID).Scan(&main, &sub)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("hash guard: load task: %w", err)
	}
	fingerprint := Fingerprint(main, sub)

	var stored sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT hash FROM __task__kt_hash WHERE task_id = $1 AND kind = $2
	`, taskID, kind).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("hash guard: stored fingerprint: %w", err)
	}
	if stored.Valid && stored.Int64 == fingerprint {
		return false, tx.Commit()
	}

	// Touch so every crawl_tasks fingerprint version moves forward.
	if _, err := tx.ExecContext(ctx, `
		UPDATE crawl_tasks SET updated_at = NOW() WHERE task_id = $1
	`, taskID); err != nil {
		return false, fmt.Errorf("hash guard: touch crawl_tasks: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM rate_contacts WHERE task_id = $1
	`, taskID); err != nil {
		return false, fmt.Errorf("hash guard: purge ratings: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE aap_audience_audiencetask SET subscribers_limit = 0 WHERE id = $1
	`, taskID); err != nil {
		return false, fmt.Errorf("hash guard: reset limit: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO __task__kt_hash (task_id, kind, hash, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (task_id, kind) DO UPDATE SET hash = EXCLUDED.hash, updated_at = NOW()
	`, taskID, kind, fingerprint); err != nil {
		return false, fmt.Errorf("hash guard: store fingerprint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("hash guard: commit: %w", err)
	}
	return true, nil
}
