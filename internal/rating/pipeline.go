package rating

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/leadgen-engine/internal/cachec"
	"github.com/ignite/leadgen-engine/internal/config"
	"github.com/ignite/leadgen-engine/internal/llm"
	"github.com/ignite/leadgen-engine/internal/pkg/logger"
	"github.com/ignite/leadgen-engine/internal/repository/postgres"
)

// =============================================================================
// RATING PIPELINE
// =============================================================================
// Two parallel work streams share this machinery: "cells" rates geo and
// branch values, "contacts" rates aggregate companies. Work distribution
// lives in the cache: a round-robin queue of open rating jobs per stream,
// a pending-entity queue per job, a queue-mutation lock and per-entity
// leases held across the LLM call.

// Streams and the job types they carry.
const (
	StreamCells    = "cells"
	StreamContacts = "contacts"
)

var streamTypes = map[string][]string{
	StreamCells:    {"geo", "branches"},
	StreamContacts: {"contacts", "contacts_update"},
}

// Batch modes.
const (
	ModeIdle     = "idle"
	ModeNeedFill = "need_fill"
	ModeWork     = "work"
)

const queueLockTTL = 10 * time.Second

// Batch is one pop_batch outcome.
type Batch struct {
	Mode      string
	Job       postgres.RatingJob
	EntityIDs []int64
}

// queueEntry is what the round-robin job queue stores per open job.
type queueEntry struct {
	JobID    int64  `json:"job_id"`
	TaskID   int64  `json:"task_id"`
	Type     string `json:"type"`
	HashTask int64  `json:"hash_task"`
}

// Pipeline coordinates rating work for one stream.
type Pipeline struct {
	stream   string
	cache    *cachec.Client
	tasks    *postgres.TaskRepo
	crawler  *postgres.CrawlerRepo
	contacts *postgres.ContactRepo
	oracle   *llm.Oracle
	cfg      config.RatingConfig

	workerID string
	rng      *rand.Rand
}

// NewPipeline wires a rating pipeline for a stream ("cells" or "contacts").
func NewPipeline(stream string, db *sql.DB, cache *cachec.Client, oracle *llm.Oracle, cfg config.RatingConfig) *Pipeline {
	return &Pipeline{
		stream:   stream,
		cache:    cache,
		tasks:    postgres.NewTaskRepo(db),
		crawler:  postgres.NewCrawlerRepo(db),
		contacts: postgres.NewContactRepo(db),
		oracle:   oracle,
		cfg:      cfg,
		workerID: uuid.New().String(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *Pipeline) queueKey() string { return "prep:" + p.stream + ":tasks:q" }
func (p *Pipeline) lockKey() string  { return "prep:" + p.stream + ":lock" }
func (p *Pipeline) entitiesKey(jobID int64) string {
	return fmt.Sprintf("prep:%s:entities:q:%d", p.stream, jobID)
}
func (p *Pipeline) leaseKey(taskID, entityID int64) string {
	return fmt.Sprintf("prep:%s:eid:%d:%d", p.stream, taskID, entityID)
}

// Tick is the scheduler entry point: pop a batch and act on its mode.
func (p *Pipeline) Tick(ctx context.Context) error {
	batch, err := p.PopBatch(ctx)
	if err != nil {
		return err
	}
	switch batch.Mode {
	case ModeIdle:
		return nil
	case ModeNeedFill:
		return p.Fill(ctx, batch.Job)
	case ModeWork:
		return p.Work(ctx, batch.Job, batch.EntityIDs)
	}
	return fmt.Errorf("rating: unknown batch mode %q", batch.Mode)
}

// PopBatch atomically (under the stream's queue lock) draws the next unit
// of work: a batch of entities, a fill request, or nothing.
func (p *Pipeline) PopBatch(ctx context.Context) (Batch, error) {
	lease := p.cache.LockTry(ctx, p.lockKey(), queueLockTTL, p.workerID)
	if lease == nil {
		// Lock held elsewhere or cache down: skip this tick.
		return Batch{Mode: ModeIdle}, nil
	}
	defer p.cache.LockRelease(ctx, lease)

	q, err := p.loadQueue(ctx)
	if err != nil {
		return Batch{}, err
	}
	if len(q) == 0 {
		return Batch{Mode: ModeIdle}, nil
	}

	for attempts := len(q); attempts > 0 && len(q) > 0; attempts-- {
		head := q[0]

		open, err := p.jobOpen(ctx, head.JobID)
		if err != nil {
			return Batch{}, err
		}
		if !open {
			q = q[1:]
			p.storeQueue(ctx, q)
			continue
		}

		job := postgres.RatingJob{ID: head.JobID, TaskID: head.TaskID, Type: head.Type, HashTask: head.HashTask}

		entities := p.loadEntities(ctx, head.JobID)
		if len(entities) == 0 {
			return Batch{Mode: ModeNeedFill, Job: job}, nil
		}

		if head.Type == "contacts" {
			ok, err := p.admitNearLimit(ctx, head.TaskID, head.HashTask)
			if err != nil {
				return Batch{}, err
			}
			if !ok {
				q = rotate(q)
				p.storeQueue(ctx, q)
				continue
			}
		}

		if p.rng.Float64() >= p.cfg.WorkProbability {
			// Rotate for fairness across tenants; nothing starves over time.
			q = rotate(q)
			p.storeQueue(ctx, q)
			continue
		}

		n := p.cfg.BatchSize
		if n > len(entities) {
			n = len(entities)
		}
		batch := entities[:n]
		p.storeEntities(ctx, head.JobID, entities[n:])
		return Batch{Mode: ModeWork, Job: job, EntityIDs: batch}, nil
	}
	return Batch{Mode: ModeIdle}, nil
}

// admitNearLimit is the overshoot control for the contacts stream: as a
// task approaches its subscriber limit, new batches are admitted with
// probability remaining / (batch_size × guard_max_parallel).
func (p *Pipeline) admitNearLimit(ctx context.Context, taskID, hashTask int64) (bool, error) {
	task, err := p.tasks.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	rated, err := p.tasks.RatedCount(ctx, taskID, hashTask)
	if err != nil {
		return false, err
	}
	remaining := task.SubscribersLimit + p.cfg.BatchSize - rated
	return admitBatch(p.rng, remaining, p.cfg.BatchSize, p.cfg.GuardMaxParallel), nil
}

// admitBatch draws the admission decision. Far from the limit it always
// admits; past it, never.
func admitBatch(rng *rand.Rand, remaining, batchSize, maxParallel int) bool {
	window := batchSize * maxParallel
	if remaining >= window {
		return true
	}
	if remaining <= 0 {
		return false
	}
	return rng.Float64() < float64(remaining)/float64(window)
}

func rotate(q []queueEntry) []queueEntry {
	if len(q) < 2 {
		return q
	}
	head := q[0]
	copy(q, q[1:])
	q[len(q)-1] = head
	return q
}

// loadQueue reads the job queue from the cache, rebuilding it from the DB
// when absent. Newest jobs first.
func (p *Pipeline) loadQueue(ctx context.Context) ([]queueEntry, error) {
	if raw, found := p.cache.Get(ctx, p.queueKey()); found {
		var q []queueEntry
		if err := json.Unmarshal(raw, &q); err == nil {
			return q, nil
		}
		p.cache.Del(ctx, p.queueKey())
	}

	jobs, err := p.tasks.OpenRatingJobs(ctx, streamTypes[p.stream]...)
	if err != nil {
		return nil, fmt.Errorf("rating: rebuild queue: %w", err)
	}
	q := make([]queueEntry, 0, len(jobs))
	for i := len(jobs) - 1; i >= 0; i-- { // newest-first
		j := jobs[i]
		q = append(q, queueEntry{JobID: j.ID, TaskID: j.TaskID, Type: j.Type, HashTask: j.HashTask})
	}
	p.storeQueue(ctx, q)
	return q, nil
}

func (p *Pipeline) storeQueue(ctx context.Context, q []queueEntry) {
	raw, err := json.Marshal(q)
	if err != nil {
		return
	}
	p.cache.Set(ctx, p.queueKey(), raw, time.Hour)
}

func (p *Pipeline) loadEntities(ctx context.Context, jobID int64) []int64 {
	raw, found := p.cache.Get(ctx, p.entitiesKey(jobID))
	if !found {
		return nil
	}
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		p.cache.Del(ctx, p.entitiesKey(jobID))
		return nil
	}
	return ids
}

func (p *Pipeline) storeEntities(ctx context.Context, jobID int64, ids []int64) {
	if len(ids) == 0 {
		p.cache.Del(ctx, p.entitiesKey(jobID))
		return
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return
	}
	p.cache.Set(ctx, p.entitiesKey(jobID), raw, time.Hour)
}

func (p *Pipeline) jobOpen(ctx context.Context, jobID int64) (bool, error) {
	jobs, err := p.tasks.OpenRatingJobs(ctx, streamTypes[p.stream]...)
	if err != nil {
		return false, err
	}
	for _, j := range jobs {
		if j.ID == jobID {
			return true, nil
		}
	}
	return false, nil
}

// acquireLeases takes per-entity leases for the LLM call. Entities already
// leased by another worker are skipped; the rest proceed.
func (p *Pipeline) acquireLeases(ctx context.Context, taskID int64, entityIDs []int64) ([]int64, []*cachec.Lease) {
	kept := make([]int64, 0, len(entityIDs))
	leases := make([]*cachec.Lease, 0, len(entityIDs))
	for _, id := range entityIDs {
		l := p.cache.LockTry(ctx, p.leaseKey(taskID, id), p.cfg.EntityLockTTL(), p.workerID)
		if l == nil {
			logger.Debug("rating: entity leased elsewhere", "task_id", taskID, "entity_id", id)
			continue
		}
		kept = append(kept, id)
		leases = append(leases, l)
	}
	return kept, leases
}

func (p *Pipeline) releaseLeases(ctx context.Context, leases []*cachec.Lease) {
	for _, l := range leases {
		p.cache.LockRelease(ctx, l)
	}
}
