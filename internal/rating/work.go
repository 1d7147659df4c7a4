package rating

import (
	"context"
	"fmt"

	"github.com/ignite/leadgen-engine/internal/llm"
	"github.com/ignite/leadgen-engine/internal/pkg/logger"
	"github.com/ignite/leadgen-engine/internal/repository/postgres"
)

// Work rates one batch of entities. The queue lock is NOT held here: only
// per-entity leases protect the LLM call, so other workers keep popping
// while this one waits on the model.
func (p *Pipeline) Work(ctx context.Context, job postgres.RatingJob, entityIDs []int64) error {
	task, err := p.tasks.Get(ctx, job.TaskID)
	if err != nil {
		return fmt.Errorf("rating: load task: %w", err)
	}
	if task == nil || !task.RunProcessing || task.Archived {
		return nil
	}

	ids, leases := p.acquireLeases(ctx, job.TaskID, entityIDs)
	if len(ids) == 0 {
		return nil
	}
	defer p.releaseLeases(ctx, leases)

	var instructions, input string
	switch job.Type {
	case "geo", "branches":
		payloads, err := p.crawler.CellPayloads(ctx, job.Type, ids)
		if err != nil {
			return fmt.Errorf("rating: load cell payloads: %w", err)
		}
		ids = cellIDs(payloads)
		instructions = CellInstructions(task, job.Type)
		input = CellInput(payloads)
	case "contacts", "contacts_update":
		payloads, err := p.contacts.ContactPayloads(ctx, ids)
		if err != nil {
			return fmt.Errorf("rating: load contact payloads: %w", err)
		}
		ids = contactIDs(payloads)
		instructions = ContactInstructions(task)
		input = ContactInput(payloads)
	default:
		return fmt.Errorf("rating: unknown job type %q", job.Type)
	}
	if len(ids) == 0 {
		return nil
	}

	text, err := p.oracle.Complete(ctx, instructions, input, false)
	if err != nil {
		return fmt.Errorf("rating: oracle: %w", err)
	}

	ratings, err := llm.ParseRatings(text, ids)
	if err != nil {
		// Invalid model output fails the whole batch with no DB writes;
		// leases are released and the next tick re-pulls.
		logger.Warn("rating: discarding batch", "job_id", job.ID, "type", job.Type, "error", err)
		return nil
	}

	rates := make(map[int64]int, len(ratings))
	for _, r := range ratings {
		rates[r.ID] = r.Rate
	}

	switch job.Type {
	case "geo", "branches":
		err = p.crawler.UpsertCellRatings(ctx, job.TaskID, job.Type, rates, job.HashTask)
	default:
		err = p.contacts.UpsertContactRatings(ctx, job.TaskID, rates, job.HashTask)
	}
	if err != nil {
		return fmt.Errorf("rating: persist batch: %w", err)
	}

	logger.Info("rating: batch done", "job_id", job.ID, "type", job.Type, "rated", len(rates))
	return nil
}

func cellIDs(payloads []postgres.CellPayload) []int64 {
	out := make([]int64, len(payloads))
	for i, p := range payloads {
		out[i] = p.ID
	}
	return out
}

func contactIDs(payloads []postgres.ContactPayload) []int64 {
	out := make([]int64, len(payloads))
	for i, p := range payloads {
		out[i] = p.ID
	}
	return out
}
