package rating

import (
	"context"
	"fmt"

	"github.com/ignite/leadgen-engine/internal/pkg/logger"
	"github.com/ignite/leadgen-engine/internal/repository/postgres"
)

// DoneScan closes rating jobs whose work is finished and opens jobs for
// task kinds with pending work and no running job. It runs as its own
// periodic scheduler task per stream. A job whose fingerprint is one of the
// invalid markers is closed immediately — working it would stamp ratings
// nothing can ever match.
func (p *Pipeline) DoneScan(ctx context.Context) error {
	jobs, err := p.tasks.OpenRatingJobs(ctx, streamTypes[p.stream]...)
	if err != nil {
		return fmt.Errorf("rating: done scan: %w", err)
	}

	for _, job := range jobs {
		if !ValidHash(job.HashTask) {
			p.closeJob(ctx, job, "bad_target_hash")
			continue
		}
		done, err := p.jobDone(ctx, job)
		if err != nil {
			logger.Error("rating: done check failed", "job_id", job.ID, "error", err)
			continue
		}
		if done {
			p.closeJob(ctx, job, "done")
		}
	}

	return p.ensureJobs(ctx, jobs)
}

// ensureJobs opens a job for every active task kind that has pending work
// but no running job. This is how fresh tasks enter the stream and how
// contacts_update resumes after closing a beat early.
func (p *Pipeline) ensureJobs(ctx context.Context, open []postgres.RatingJob) error {
	type key struct {
		taskID int64
		kind   string
	}
	running := make(map[key]bool, len(open))
	for _, j := range open {
		running[key{j.TaskID, j.Type}] = true
	}

	tasks, err := p.tasks.Active(ctx)
	if err != nil {
		return fmt.Errorf("rating: ensure jobs: %w", err)
	}

	for _, task := range tasks {
		for _, kind := range streamTypes[p.stream] {
			if running[key{task.ID, kind}] {
				continue
			}
			h, err := p.targetHash(ctx, task, kind)
			if err != nil {
				logger.Error("rating: target hash failed", "task_id", task.ID, "kind", kind, "error", err)
				continue
			}
			if !ValidHash(h) {
				continue
			}
			probe := postgres.RatingJob{TaskID: task.ID, Type: kind, HashTask: h}
			done, err := p.jobDone(ctx, probe)
			if err != nil {
				logger.Error("rating: pending check failed", "task_id", task.ID, "kind", kind, "error", err)
				continue
			}
			if done {
				continue
			}
			id, err := p.tasks.CreateRatingJob(ctx, task.ID, kind, h)
			if err != nil {
				logger.Error("rating: create job failed", "task_id", task.ID, "kind", kind, "error", err)
				continue
			}
			p.cache.Del(ctx, p.queueKey())
			logger.Info("rating: job opened", "job_id", id, "task_id", task.ID, "type", kind)
		}
	}
	return nil
}

// targetHash prefers the guard-verified stored fingerprint, falling back to
// computing one from the task text when none is stored yet.
func (p *Pipeline) targetHash(ctx context.Context, task postgres.Task, kind string) (int64, error) {
	hashKind := kind
	if kind == "contacts" || kind == "contacts_update" {
		hashKind = "client"
	}
	h, ok, err := p.tasks.StoredFingerprint(ctx, task.ID, hashKind)
	if err != nil {
		return 0, err
	}
	if ok {
		return h, nil
	}
	return Fingerprint(task.Main, task.SubText(kind)), nil
}

func (p *Pipeline) jobDone(ctx context.Context, job postgres.RatingJob) (bool, error) {
	switch job.Type {
	case "geo", "branches":
		missing, err := p.crawler.MissingCellValues(ctx, job.TaskID, job.Type, 1)
		if err != nil {
			return false, err
		}
		if len(missing) > 0 {
			return false, nil
		}
		stale, err := p.crawler.StaleCellValues(ctx, job.TaskID, job.Type, job.HashTask, 1)
		if err != nil {
			return false, err
		}
		return len(stale) == 0, nil

	case "contacts":
		task, err := p.tasks.Get(ctx, job.TaskID)
		if err != nil {
			return false, err
		}
		if task == nil {
			return true, nil
		}
		rated, err := p.tasks.RatedCount(ctx, job.TaskID, job.HashTask)
		if err != nil {
			return false, err
		}
		return rated >= task.SubscribersLimit+p.cfg.BatchSize, nil

	case "contacts_update":
		// May close a beat early if new stale rows appear mid-scan; the
		// periodic re-run picks those up with a fresh job.
		stale, err := p.contacts.StaleRatedContacts(ctx, job.TaskID, job.HashTask, 1)
		if err != nil {
			return false, err
		}
		return len(stale) == 0, nil
	}
	return false, fmt.Errorf("rating: unknown job type %q", job.Type)
}

func (p *Pipeline) closeJob(ctx context.Context, job postgres.RatingJob, reason string) {
	if err := p.tasks.CloseRatingJob(ctx, job.ID, reason); err != nil {
		logger.Error("rating: close job failed", "job_id", job.ID, "error", err)
		return
	}
	p.cache.Del(ctx, p.entitiesKey(job.ID), p.queueKey())
	logger.Info("rating: job closed", "job_id", job.ID, "type", job.Type, "reason", reason)
}
