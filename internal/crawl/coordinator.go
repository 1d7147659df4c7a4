package crawl

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/leadgen-engine/internal/aggregate"
	"github.com/ignite/leadgen-engine/internal/cachec"
	"github.com/ignite/leadgen-engine/internal/cells"
	"github.com/ignite/leadgen-engine/internal/config"
	"github.com/ignite/leadgen-engine/internal/pkg/logger"
	"github.com/ignite/leadgen-engine/internal/repository/postgres"
)

// =============================================================================
// CRAWL COORDINATOR
// =============================================================================
// Periodically rebuilds a round-robin dispatch queue in the cache and feeds
// cells one at a time to spiders. Tasks whose contact ratings are still
// underdone get the queue to themselves until they catch up.

const (
	queueKey   = "crawl:q"
	lockKey    = "crawl:lock"
	reverseKey = "crawl:cb:" // + cb_id → task_id
	queueTTL   = time.Hour
	lockTTL    = 10 * time.Second
)

// Item is one dispatchable cell.
type Item struct {
	CbID       int64  `json:"cb_id"`
	PLZ        string `json:"plz"`
	BranchSlug string `json:"branch_slug"`
	TaskID     int64  `json:"task_id"`
}

// Spider fetches one cell from a directory and returns the candidate rows
// it extracted.
type Spider interface {
	Crawl(ctx context.Context, item Item) ([]aggregate.Candidate, error)
}

// CandidateSink persists harvested rows for the aggregator to consume.
type CandidateSink interface {
	InsertCandidates(ctx context.Context, cands []aggregate.Candidate) error
}

// TaskSource lists crawlable tasks and their rating progress.
type TaskSource interface {
	Active(ctx context.Context) ([]postgres.Task, error)
	RatedTotal(ctx context.Context, taskID int64) (int, error)
}

// CellSource yields the ranked uncollected cells for a task.
type CellSource interface {
	GetCrawler(ctx context.Context, taskID int64) ([]cells.CrawlCell, error)
}

// Directory reads and mutates the cb_crawler rows.
type Directory interface {
	RefreshCollected(ctx context.Context, cbIDs []int64) (map[int64]bool, error)
	MarkCollected(ctx context.Context, cbID int64, harvested int) error
	BranchSlug(ctx context.Context, branchID int64) (string, error)
}

// Coordinator owns the dispatch queue.
type Coordinator struct {
	cache     *cachec.Client
	tasks     TaskSource
	cells     CellSource
	directory Directory
	spider    Spider
	sink      CandidateSink
	cfg       config.CrawlerConfig

	workerID string
}

// NewCoordinator wires a crawl coordinator.
func NewCoordinator(cache *cachec.Client, tasks TaskSource, cellSrc CellSource, dir Directory, spider Spider, sink CandidateSink, cfg config.CrawlerConfig) *Coordinator {
	return &Coordinator{
		cache:     cache,
		tasks:     tasks,
		cells:     cellSrc,
		directory: dir,
		spider:    spider,
		sink:      sink,
		cfg:       cfg,
		workerID:  uuid.New().String(),
	}
}

// Rebuild recomputes the dispatch queue: pick cells per task, re-check
// their collected flags against the directory, then interleave one at a
// time across tasks. Registered as a periodic scheduler task.
func (c *Coordinator) Rebuild(ctx context.Context) error {
	tasks, err := c.tasks.Active(ctx)
	if err != nil {
		return fmt.Errorf("crawl: list tasks: %w", err)
	}
	tasks = c.prioritize(ctx, tasks)

	perTask := make([][]Item, 0, len(tasks))
	for _, task := range tasks {
		items, err := c.pickForTask(ctx, task.ID)
		if err != nil {
			logger.Warn("crawl: pick failed", "task_id", task.ID, "error", err)
			continue
		}
		if len(items) > 0 {
			perTask = append(perTask, items)
		}
	}

	queue := roundRobin(perTask, c.cfg.QueueBuildLimit)

	raw, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("crawl: marshal queue: %w", err)
	}
	c.cache.Set(ctx, queueKey, raw, queueTTL)

	for _, item := range queue {
		c.cache.Set(ctx, reverseKey+strconv.FormatInt(item.CbID, 10),
			[]byte(strconv.FormatInt(item.TaskID, 10)), queueTTL)
	}

	logger.Info("crawl: queue rebuilt", "tasks", len(perTask), "items", len(queue))
	return nil
}

// prioritize restricts the task set to underdone tasks when any exist: a
// task with too few rated contacts gets exclusive crawl bandwidth.
func (c *Coordinator) prioritize(ctx context.Context, tasks []postgres.Task) []postgres.Task {
	if c.cfg.PriorityOffset <= 0 {
		return tasks
	}
	var underdone []postgres.Task
	for _, task := range tasks {
		rated, err := c.tasks.RatedTotal(ctx, task.ID)
		if err != nil {
			logger.Warn("crawl: rated total failed", "task_id", task.ID, "error", err)
			continue
		}
		if rated < c.cfg.PriorityOffset {
			underdone = append(underdone, task)
		}
	}
	if len(underdone) > 0 {
		return underdone
	}
	return tasks
}

// pickForTask draws the task's next uncollected cells and re-checks the
// collected flag against the directory right before enqueueing.
func (c *Coordinator) pickForTask(ctx context.Context, taskID int64) ([]Item, error) {
	ranked, err := c.cells.GetCrawler(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(ranked) > c.cfg.PerTaskPickLimit {
		ranked = ranked[:c.cfg.PerTaskPickLimit]
	}
	if len(ranked) == 0 {
		return nil, nil
	}

	cbIDs := make([]int64, len(ranked))
	for i, cell := range ranked {
		cbIDs[i] = cell.CbID
	}
	collected, err := c.directory.RefreshCollected(ctx, cbIDs)
	if err != nil {
		return nil, err
	}

	slugs := map[int64]string{}
	items := make([]Item, 0, len(ranked))
	for _, cell := range ranked {
		if collected[cell.CbID] {
			continue
		}
		slug, ok := slugs[cell.BranchID]
		if !ok {
			slug, err = c.directory.BranchSlug(ctx, cell.BranchID)
			if err != nil {
				return nil, err
			}
			slugs[cell.BranchID] = slug
		}
		items = append(items, Item{CbID: cell.CbID, PLZ: cell.PLZ, BranchSlug: slug, TaskID: taskID})
	}
	return items, nil
}

// roundRobin interleaves per-task item lists one at a time, capped.
func roundRobin(perTask [][]Item, limit int) []Item {
	if limit <= 0 {
		limit = 500
	}
	var out []Item
	for round := 0; len(out) < limit; round++ {
		advanced := false
		for _, items := range perTask {
			if round >= len(items) {
				continue
			}
			out = append(out, items[round])
			advanced = true
			if len(out) >= limit {
				break
			}
		}
		if !advanced {
			break
		}
	}
	return out
}

// DispatchOne pops the queue head under a short lock, then runs the spider
// outside it. An empty queue is not an error; the next rebuild refills.
func (c *Coordinator) DispatchOne(ctx context.Context) error {
	item, ok := c.pop(ctx)
	if !ok {
		return nil
	}

	cands, err := c.spider.Crawl(ctx, item)
	if err != nil {
		return fmt.Errorf("crawl: spider cb %d: %w", item.CbID, err)
	}
	if len(cands) > 0 {
		if err := c.sink.InsertCandidates(ctx, cands); err != nil {
			return fmt.Errorf("crawl: store candidates: %w", err)
		}
	}

	if err := c.directory.MarkCollected(ctx, item.CbID, len(cands)); err != nil {
		return fmt.Errorf("crawl: mark collected: %w", err)
	}
	logger.Info("crawl: cell collected", "cb_id", item.CbID, "task_id", item.TaskID, "harvested", len(cands))
	return nil
}

func (c *Coordinator) pop(ctx context.Context) (Item, bool) {
	lease := c.cache.LockTry(ctx, lockKey, lockTTL, c.workerID)
	if lease == nil {
		return Item{}, false
	}
	defer c.cache.LockRelease(ctx, lease)

	raw, found := c.cache.Get(ctx, queueKey)
	if !found {
		return Item{}, false
	}
	var queue []Item
	if err := json.Unmarshal(raw, &queue); err != nil || len(queue) == 0 {
		c.cache.Del(ctx, queueKey)
		return Item{}, false
	}

	head := queue[0]
	rest, err := json.Marshal(queue[1:])
	if err != nil {
		return Item{}, false
	}
	c.cache.Set(ctx, queueKey, rest, queueTTL)
	return head, true
}

// TaskForCell resolves a spider result back to the task that requested it.
func (c *Coordinator) TaskForCell(ctx context.Context, cbID int64) (int64, bool) {
	raw, found := c.cache.Get(ctx, reverseKey+strconv.FormatInt(cbID, 10))
	if !found {
		return 0, false
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
