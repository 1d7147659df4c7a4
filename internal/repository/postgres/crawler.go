package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/lib/pq"

	"github.com/ignite/leadgen-engine/internal/cells"
)

// CrawlerRepo backs the queue builder and the crawl coordinator. It reads
// rated crawl cells, resolves directory rows and maintains the per-cell
// collected state.
type CrawlerRepo struct{ db *sql.DB }

// NewCrawlerRepo creates a Postgres-backed crawler repository.
func NewCrawlerRepo(db *sql.DB) *CrawlerRepo { return &CrawlerRepo{db: db} }

// CityRates returns scored postal codes for a task: city crawl-task rates
// fanned out through the city→PLZ map.
func (r *CrawlerRepo) CityRates(ctx context.Context, taskID int64) ([]cells.PLZRate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ct.rate, p.plz
		FROM crawl_tasks ct
		JOIN city_plz p ON p.city_id = ct.value_id
		WHERE ct.task_id = $1 AND ct.type = 'geo' AND ct.rate > 0
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("city rates: %w", err)
	}
	defer rows.Close()

	var out []cells.PLZRate
	for rows.Next() {
		var pr cells.PLZRate
		if err := rows.Scan(&pr.Rate, &pr.PLZ); err != nil {
			return nil, fmt.Errorf("scan city rate: %w", err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// BranchRates returns the task's scored branches.
func (r *CrawlerRepo) BranchRates(ctx context.Context, taskID int64) ([]cells.BranchRate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT rate, value_id
		FROM crawl_tasks
		WHERE task_id = $1 AND type = 'branches' AND rate > 0
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("branch rates: %w", err)
	}
	defer rows.Close()

	var out []cells.BranchRate
	for rows.Next() {
		var br cells.BranchRate
		if err := rows.Scan(&br.Rate, &br.BranchID); err != nil {
			return nil, fmt.Errorf("scan branch rate: %w", err)
		}
		out = append(out, br)
	}
	return out, rows.Err()
}

// Lookup resolves ranked cells to cb_crawler directory rows. Cells without
// a directory row are materialized on the fly.
func (r *CrawlerRepo) Lookup(ctx context.Context, cs []cells.Cell) ([]cells.CrawlCell, error) {
	out := make([]cells.CrawlCell, 0, len(cs))
	for _, c := range cs {
		row := cells.CrawlCell{PLZ: c.PLZ, BranchID: c.BranchID, Rate: c.Score}
		err := r.db.QueryRowContext(ctx, `
			SELECT id, collected FROM cb_crawler WHERE plz = $1 AND branch_id = $2
		`, c.PLZ, c.BranchID).Scan(&row.CbID, &row.Collected)
		if err == sql.ErrNoRows {
			err = r.db.QueryRowContext(ctx, `
				INSERT INTO cb_crawler (plz, branch_id, collected, collected_num, created_at)
				VALUES ($1, $2, false, 0, NOW())
				ON CONFLICT (plz, branch_id) DO UPDATE SET plz = EXCLUDED.plz
				RETURNING id, collected
			`, c.PLZ, c.BranchID).Scan(&row.CbID, &row.Collected)
		}
		if err != nil {
			return nil, fmt.Errorf("lookup cell (%s,%d): %w", c.PLZ, c.BranchID, err)
		}
		out = append(out, row)
	}
	return out, nil
}

// Version is the task's crawl_tasks fingerprint: it changes whenever any
// rate row for the task is written, so memoized cell lists self-invalidate.
func (r *CrawlerRepo) Version(ctx context.Context, taskID int64) (string, error) {
	var n int64
	var maxUpdated sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MAX(updated_at)::text
		FROM crawl_tasks WHERE task_id = $1
	`, taskID).Scan(&n, &maxUpdated)
	if err != nil {
		return "", fmt.Errorf("crawl version: %w", err)
	}
	return strconv.FormatInt(n, 10) + ":" + maxUpdated.String, nil
}

// RefreshCollected re-reads the collected flags for a set of directory rows.
func (r *CrawlerRepo) RefreshCollected(ctx context.Context, cbIDs []int64) (map[int64]bool, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, collected FROM cb_crawler WHERE id = ANY($1)
	`, pq.Array(cbIDs))
	if err != nil {
		return nil, fmt.Errorf("refresh collected: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]bool, len(cbIDs))
	for rows.Next() {
		var id int64
		var collected bool
		if err := rows.Scan(&id, &collected); err != nil {
			return nil, fmt.Errorf("scan collected: %w", err)
		}
		out[id] = collected
	}
	return out, rows.Err()
}

// MarkCollected flags a directory row done and bumps its harvest counter.
func (r *CrawlerRepo) MarkCollected(ctx context.Context, cbID int64, harvested int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE cb_crawler
		SET collected = true, collected_num = collected_num + $2, updated_at = NOW()
		WHERE id = $1
	`, cbID, harvested)
	if err != nil {
		return fmt.Errorf("mark collected: %w", err)
	}
	return nil
}

// BranchSlug resolves a branch id to its directory slug for spider dispatch.
func (r *CrawlerRepo) BranchSlug(ctx context.Context, branchID int64) (string, error) {
	var slug string
	err := r.db.QueryRowContext(ctx, `
		SELECT slug FROM branches WHERE id = $1
	`, branchID).Scan(&slug)
	if err != nil {
		return "", fmt.Errorf("branch slug: %w", err)
	}
	return slug, nil
}

// MissingCellValues returns inventory value ids (cities or branches,
// depending on kind) that have no crawl_tasks row yet for the task.
func (r *CrawlerRepo) MissingCellValues(ctx context.Context, taskID int64, kind string, limit int) ([]int64, error) {
	table := "cities"
	if kind == "branches" {
		table = "branches"
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT v.id FROM `+table+` v
		WHERE NOT EXISTS (
			SELECT 1 FROM crawl_tasks ct
			WHERE ct.task_id = $1 AND ct.type = $2 AND ct.value_id = v.id
		)
		ORDER BY v.id
		LIMIT $3
	`, taskID, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("missing %s values: %w", kind, err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// StaleCellValues returns value ids whose stored rating carries an outdated
// fingerprint.
func (r *CrawlerRepo) StaleCellValues(ctx context.Context, taskID int64, kind string, targetHash int64, limit int) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT value_id FROM crawl_tasks
		WHERE task_id = $1 AND type = $2 AND hash_task IS DISTINCT FROM $3
		ORDER BY value_id
		LIMIT $4
	`, taskID, kind, targetHash, limit)
	if err != nil {
		return nil, fmt.Errorf("stale %s values: %w", kind, err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// CellPayload is one value row handed to the rating prompt.
type CellPayload struct {
	ID   int64
	Name string
}

// CellPayloads loads the display names for cities or branches.
func (r *CrawlerRepo) CellPayloads(ctx context.Context, kind string, ids []int64) ([]CellPayload, error) {
	table := "cities"
	if kind == "branches" {
		table = "branches"
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name FROM `+table+` WHERE id = ANY($1) ORDER BY id
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("%s payloads: %w", kind, err)
	}
	defer rows.Close()

	var out []CellPayload
	for rows.Next() {
		var p CellPayload
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, fmt.Errorf("scan payload: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertCellRatings writes rated cells keyed (task_id, type, value_id),
// stamping the task's current fingerprint.
func (r *CrawlerRepo) UpsertCellRatings(ctx context.Context, taskID int64, kind string, rates map[int64]int, hashTask int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert cell ratings: %w", err)
	}
	defer tx.Rollback()

	for valueID, rate := range rates {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO crawl_tasks (task_id, type, value_id, rate, hash_task, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
			ON CONFLICT (task_id, type, value_id)
			DO UPDATE SET rate = EXCLUDED.rate, hash_task = EXCLUDED.hash_task, updated_at = NOW()
		`, taskID, kind, valueID, rate, hashTask)
		if err != nil {
			return fmt.Errorf("upsert cell rating %d: %w", valueID, err)
		}
	}
	return tx.Commit()
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
