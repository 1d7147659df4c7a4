package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Task is a user's audience specification.
type Task struct {
	ID               int64
	WorkspaceID      int64
	UserID           int64
	Type             string // buy | sell
	Main             string
	Geo              string
	Branches         string
	Client           string
	SubscribersLimit int
	RunProcessing    bool
	Archived         bool
	UpdatedAt        time.Time
}

// SubText returns the free-text field for a rating kind.
func (t Task) SubText(kind string) string {
	switch kind {
	case "geo":
		return t.Geo
	case "branches":
		return t.Branches
	case "client", "contacts", "contacts_update":
		return t.Client
	}
	return ""
}

// RatingJob is one append-only row in the rating-job table. The latest
// done=false row per (task, type) is the running signal.
type RatingJob struct {
	ID       int64
	TaskID   int64
	Type     string // geo | branches | contacts | contacts_update
	HashTask int64
	Done     bool
}

// TaskRepo reads and mutates audience tasks and their rating jobs.
type TaskRepo struct{ db *sql.DB }

// NewTaskRepo creates a Postgres-backed task repository.
func NewTaskRepo(db *sql.DB) *TaskRepo { return &TaskRepo{db: db} }

func scanTask(row interface{ Scan(...interface{}) error }) (*Task, error) {
	t := &Task{}
	err := row.Scan(
		&t.ID, &t.WorkspaceID, &t.UserID, &t.Type,
		&t.Main, &t.Geo, &t.Branches, &t.Client,
		&t.SubscribersLimit, &t.RunProcessing, &t.Archived, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

const taskColumns = `id, workspace_id, user_id, type,
	       COALESCE(task,''), COALESCE(task_geo,''), COALESCE(task_branches,''), COALESCE(task_client,''),
	       subscribers_limit, run_processing, archived, updated_at`

// Get loads one task.
func (r *TaskRepo) Get(ctx context.Context, id int64) (*Task, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM aap_audience_audiencetask
		WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// Active returns unarchived tasks with processing enabled.
func (r *TaskRepo) Active(ctx context.Context) ([]Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM aap_audience_audiencetask
		WHERE run_processing = true AND archived = false
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("active tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// OpenRatingJobs returns running jobs (newest-first) for a kind.
func (r *TaskRepo) OpenRatingJobs(ctx context.Context, kinds ...string) ([]RatingJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (task_id, type) id, task_id, type, COALESCE(hash_task, 0), done
		FROM __tasks_rating
		WHERE type = ANY($1) AND done = false
		ORDER BY task_id, type, id DESC
	`, pq.Array(kinds))
	if err != nil {
		return nil, fmt.Errorf("open rating jobs: %w", err)
	}
	defer rows.Close()

	var out []RatingJob
	for rows.Next() {
		var j RatingJob
		if err := rows.Scan(&j.ID, &j.TaskID, &j.Type, &j.HashTask, &j.Done); err != nil {
			return nil, fmt.Errorf("scan rating job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CreateRatingJob appends a done=false job, requesting work.
func (r *TaskRepo) CreateRatingJob(ctx context.Context, taskID int64, kind string, hashTask int64) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO __tasks_rating (task_id, type, hash_task, done, created_at)
		VALUES ($1, $2, $3, false, NOW())
		RETURNING id
	`, taskID, kind, hashTask).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create rating job: %w", err)
	}
	return id, nil
}

// CloseRatingJob flips a job to done with a reason.
func (r *TaskRepo) CloseRatingJob(ctx context.Context, jobID int64, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE __tasks_rating
		SET done = true, done_reason = $2, updated_at = NOW()
		WHERE id = $1
	`, jobID, reason)
	if err != nil {
		return fmt.Errorf("close rating job: %w", err)
	}
	return nil
}

// StoredFingerprint returns the persisted fingerprint for (task, kind).
// ok is false when none is stored yet.
func (r *TaskRepo) StoredFingerprint(ctx context.Context, taskID int64, kind string) (int64, bool, error) {
	var h int64
	err := r.db.QueryRowContext(ctx, `
		SELECT hash FROM __task__kt_hash WHERE task_id = $1 AND kind = $2
	`, taskID, kind).Scan(&h)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("stored fingerprint: %w", err)
	}
	return h, true, nil
}

// RatedCount counts valid ratings for a task under its current fingerprint.
func (r *TaskRepo) RatedCount(ctx context.Context, taskID, hashTask int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rate_contacts
		WHERE task_id = $1 AND hash_task = $2
	`, taskID, hashTask).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("rated count: %w", err)
	}
	return n, nil
}

// RatedTotal counts all contact ratings for a task, any fingerprint. The
// crawl coordinator uses this to spot underdone tasks.
func (r *TaskRepo) RatedTotal(ctx context.Context, taskID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rate_contacts WHERE task_id = $1
	`, taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("rated total: %w", err)
	}
	return n, nil
}
