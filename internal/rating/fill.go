package rating

import (
	"context"
	"fmt"

	"github.com/ignite/leadgen-engine/internal/pkg/logger"
	"github.com/ignite/leadgen-engine/internal/repository/postgres"
)

// Fill populates a job's entity queue from the DB: the value ids that still
// need rating under the task's current fingerprint. It reacquires the queue
// lock so concurrent fills of the same job cannot interleave.
func (p *Pipeline) Fill(ctx context.Context, job postgres.RatingJob) error {
	lease := p.cache.LockTry(ctx, p.lockKey(), queueLockTTL, p.workerID)
	if lease == nil {
		return nil
	}
	defer p.cache.LockRelease(ctx, lease)

	ids, err := p.drawEntities(ctx, job)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		logger.Debug("rating: nothing to fill", "job_id", job.ID, "type", job.Type)
		return nil
	}
	p.storeEntities(ctx, job.ID, ids)
	logger.Info("rating: filled entity queue", "job_id", job.ID, "type", job.Type, "entities", len(ids))
	return nil
}

func (p *Pipeline) drawEntities(ctx context.Context, job postgres.RatingJob) ([]int64, error) {
	switch job.Type {
	case "geo", "branches":
		missing, err := p.crawler.MissingCellValues(ctx, job.TaskID, job.Type, p.cfg.MaxCandidates+1)
		if err != nil {
			return nil, fmt.Errorf("rating: fill missing: %w", err)
		}
		stale, err := p.crawler.StaleCellValues(ctx, job.TaskID, job.Type, job.HashTask, p.cfg.MaxCandidates+1)
		if err != nil {
			return nil, fmt.Errorf("rating: fill stale: %w", err)
		}
		ids := dedupe(missing, stale)
		if len(ids) > p.cfg.MaxCandidates {
			// Upstream inventory must never be this large; loud failure
			// beats silently rating a corrupt candidate set.
			return nil, fmt.Errorf("rating: candidate set for task %d/%s exceeds %d", job.TaskID, job.Type, p.cfg.MaxCandidates)
		}
		return ids, nil

	case "contacts":
		ids, err := p.contacts.UnratedContacts(ctx, job.TaskID, job.HashTask, p.cfg.MaxFill)
		if err != nil {
			return nil, fmt.Errorf("rating: fill contacts: %w", err)
		}
		return ids, nil

	case "contacts_update":
		ids, err := p.contacts.StaleRatedContacts(ctx, job.TaskID, job.HashTask, p.cfg.MaxFill)
		if err != nil {
			return nil, fmt.Errorf("rating: fill contacts_update: %w", err)
		}
		return ids, nil
	}
	return nil, fmt.Errorf("rating: unknown job type %q", job.Type)
}

func dedupe(lists ...[]int64) []int64 {
	seen := map[int64]bool{}
	var out []int64
	for _, list := range lists {
		for _, id := range list {
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
