package aggregate

import (
	"context"
	"fmt"
	"strings"

	"github.com/ignite/leadgen-engine/internal/pkg/logger"
)

// =============================================================================
// VALIDATOR / AGGREGATOR
// =============================================================================
// Sequential job: consume crawled candidate rows with a usable email and
// fold them into the de-duplicated contact table. The dedup key is the
// normalized lowercase email; every non-empty email maps to at most one
// aggregate row, and merges are monotonic — an aggregate row is never split
// and never loses data.

// Candidate is one directory-extracted company row emitted by a spider.
type Candidate struct {
	ID          int64
	CbCrawlerID int64
	Source      string // source system slug, e.g. "gs" or "gpt"
	Email       string
	EmailStatus string // "OK" rows are consumable
	PLZ         string
	Address     string
	Branches    []int64
	Website     string
	Description string
	Data        map[string]interface{} // raw parsed company attributes
}

// Contact is one aggregate row keyed by normalized email.
type Contact struct {
	ID           int64
	Email        string
	CbCrawlerIDs []int64
	Sources      []string
	Branches     []int64
	PLZList      []string
	AddressList  []string
	Profile      map[string]interface{} // norm + gs-N / gpt-N shards
	StatusData   string
}

// Store is the persistence surface the validator needs.
type Store interface {
	// PendingCandidates returns unprocessed candidates with an OK email.
	PendingCandidates(ctx context.Context, limit int) ([]Candidate, error)
	// ContactByEmail loads an aggregate row for update; nil when absent.
	ContactByEmail(ctx context.Context, email string) (*Contact, error)
	InsertContact(ctx context.Context, c *Contact) error
	UpdateContact(ctx context.Context, c *Contact) error
	MarkProcessed(ctx context.Context, candidateID int64) error
}

// Validator consumes candidates into aggregates.
type Validator struct {
	store     Store
	batchSize int
}

// NewValidator creates a validator over the given store.
func NewValidator(store Store, batchSize int) *Validator {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Validator{store: store, batchSize: batchSize}
}

// NormalizeEmail lowercases and trims an email. Empty results are unusable.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Run processes one batch of pending candidates. Returns the number
// consumed so the scheduler's cadence controls throughput.
func (v *Validator) Run(ctx context.Context) (int, error) {
	candidates, err := v.store.PendingCandidates(ctx, v.batchSize)
	if err != nil {
		return 0, fmt.Errorf("aggregate: load candidates: %w", err)
	}

	n := 0
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := v.consume(ctx, cand); err != nil {
			logger.Warn("aggregate: candidate failed", "candidate_id", cand.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func (v *Validator) consume(ctx context.Context, cand Candidate) error {
	email := NormalizeEmail(cand.Email)
	if email == "" {
		return v.store.MarkProcessed(ctx, cand.ID)
	}

	existing, err := v.store.ContactByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("load aggregate %s: %w", logger.RedactEmail(email), err)
	}

	if existing == nil {
		contact := NewContactFrom(cand)
		if err := v.store.InsertContact(ctx, contact); err != nil {
			return fmt.Errorf("insert aggregate: %w", err)
		}
	} else {
		MergeCandidate(existing, cand)
		if err := v.store.UpdateContact(ctx, existing); err != nil {
			return fmt.Errorf("update aggregate: %w", err)
		}
	}

	return v.store.MarkProcessed(ctx, cand.ID)
}
