package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/leadgen-engine/internal/aggregate"
)

// ContactRepo owns raw candidates, the email-deduped aggregate table and
// the per-task contact ratings.
type ContactRepo struct{ db *sql.DB }

// NewContactRepo creates a Postgres-backed contact repository.
func NewContactRepo(db *sql.DB) *ContactRepo { return &ContactRepo{db: db} }

// =============================================================================
// Candidate consumption (aggregate.Store)
// =============================================================================

// PendingCandidates returns unprocessed candidate rows with an OK email.
func (r *ContactRepo) PendingCandidates(ctx context.Context, limit int) ([]aggregate.Candidate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, cb_crawler_id, source, COALESCE(email,''), COALESCE(email_status,''),
		       COALESCE(plz,''), COALESCE(address,''), branches,
		       COALESCE(website,''), COALESCE(description,''), COALESCE(data, '{}'::jsonb)
		FROM raw_contacts_gb
		WHERE processed = false AND email_status = 'OK'
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending candidates: %w", err)
	}
	defer rows.Close()

	var out []aggregate.Candidate
	for rows.Next() {
		var c aggregate.Candidate
		var branches pq.Int64Array
		var data []byte
		if err := rows.Scan(
			&c.ID, &c.CbCrawlerID, &c.Source, &c.Email, &c.EmailStatus,
			&c.PLZ, &c.Address, &branches, &c.Website, &c.Description, &data,
		); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.Branches = branches
		if err := json.Unmarshal(data, &c.Data); err != nil {
			return nil, fmt.Errorf("candidate %d data: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ContactByEmail loads an aggregate row by normalized email, locking it for
// the duration of the surrounding transaction-free merge. nil when absent.
func (r *ContactRepo) ContactByEmail(ctx context.Context, email string) (*aggregate.Contact, error) {
	c := &aggregate.Contact{}
	var cbIDs, branches pq.Int64Array
	var plzList, addrList pq.StringArray
	var profile []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, cb_crawler_ids, sources, branches, plz_list, address_list,
		       COALESCE(profile, '{}'::jsonb), COALESCE(status_data,'')
		FROM raw_contacts_aggr
		WHERE email = $1
	`, email).Scan(
		&c.ID, &c.Email, &cbIDs, (*pq.StringArray)(&c.Sources), &branches,
		&plzList, &addrList, &profile, &c.StatusData,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("contact by email: %w", err)
	}
	c.CbCrawlerIDs = cbIDs
	c.Branches = branches
	c.PLZList = plzList
	c.AddressList = addrList
	if err := json.Unmarshal(profile, &c.Profile); err != nil {
		return nil, fmt.Errorf("contact %d profile: %w", c.ID, err)
	}
	return c, nil
}

// InsertContact creates a fresh aggregate row. The unique index on email is
// the dedup guarantee; a concurrent insert surfaces as an error and the
// candidate is retried next pass.
func (r *ContactRepo) InsertContact(ctx context.Context, c *aggregate.Contact) error {
	profile, err := json.Marshal(c.Profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO raw_contacts_aggr
			(email, cb_crawler_ids, sources, branches, plz_list, address_list,
			 profile, status_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING id
	`, c.Email, pq.Array(c.CbCrawlerIDs), pq.Array(c.Sources), pq.Array(c.Branches),
		pq.Array(c.PLZList), pq.Array(c.AddressList), profile, c.StatusData).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

// UpdateContact persists a merged aggregate row.
func (r *ContactRepo) UpdateContact(ctx context.Context, c *aggregate.Contact) error {
	profile, err := json.Marshal(c.Profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE raw_contacts_aggr
		SET cb_crawler_ids = $2, sources = $3, branches = $4, plz_list = $5,
		    address_list = $6, profile = $7, status_data = $8, updated_at = NOW()
		WHERE id = $1
	`, c.ID, pq.Array(c.CbCrawlerIDs), pq.Array(c.Sources), pq.Array(c.Branches),
		pq.Array(c.PLZList), pq.Array(c.AddressList), profile, c.StatusData)
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	return nil
}

// MarkProcessed flags a candidate row consumed.
func (r *ContactRepo) MarkProcessed(ctx context.Context, candidateID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE raw_contacts_gb SET processed = true, updated_at = NOW() WHERE id = $1
	`, candidateID)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// InsertCandidates stores spider output in bulk.
func (r *ContactRepo) InsertCandidates(ctx context.Context, cands []aggregate.Candidate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert candidates: %w", err)
	}
	defer tx.Rollback()

	for _, c := range cands {
		data, err := json.Marshal(c.Data)
		if err != nil {
			return fmt.Errorf("marshal candidate data: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO raw_contacts_gb
				(cb_crawler_id, source, email, email_status, plz, address,
				 branches, website, description, data, processed, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, NOW())
		`, c.CbCrawlerID, c.Source, c.Email, c.EmailStatus, c.PLZ, c.Address,
			pq.Array(c.Branches), c.Website, c.Description, data)
		if err != nil {
			return fmt.Errorf("insert candidate: %w", err)
		}
	}
	return tx.Commit()
}

// =============================================================================
// Contact ratings
// =============================================================================

// UnratedContacts returns aggregate ids matching a task that carry no valid
// rating under the task's current fingerprint.
func (r *ContactRepo) UnratedContacts(ctx context.Context, taskID, hashTask int64, limit int) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id FROM raw_contacts_aggr a
		WHERE NOT EXISTS (
			SELECT 1 FROM rate_contacts rc
			WHERE rc.task_id = $1 AND rc.contact_id = a.id
			  AND rc.hash_task = $2 AND rc.hash_task NOT IN (-1, 0, 1)
		)
		ORDER BY a.id
		LIMIT $3
	`, taskID, hashTask, limit)
	if err != nil {
		return nil, fmt.Errorf("unrated contacts: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// StaleRatedContacts returns aggregate ids whose rating is valid but stamped
// with a different fingerprint (the contacts_update stream).
func (r *ContactRepo) StaleRatedContacts(ctx context.Context, taskID, hashTask int64, limit int) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT contact_id FROM rate_contacts
		WHERE task_id = $1
		  AND hash_task IS NOT NULL AND hash_task NOT IN (-1, 0, 1)
		  AND hash_task <> $2
		ORDER BY contact_id
		LIMIT $3
	`, taskID, hashTask, limit)
	if err != nil {
		return nil, fmt.Errorf("stale rated contacts: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ContactPayload is the profile material handed to the rating prompt.
type ContactPayload struct {
	ID         int64
	Email      string
	StatusData string
	Profile    map[string]interface{}
}

// ContactPayloads loads aggregate rows for a rating batch.
func (r *ContactRepo) ContactPayloads(ctx context.Context, ids []int64) ([]ContactPayload, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, email, COALESCE(status_data,''), COALESCE(profile, '{}'::jsonb)
		FROM raw_contacts_aggr
		WHERE id = ANY($1)
		ORDER BY id
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("contact payloads: %w", err)
	}
	defer rows.Close()

	var out []ContactPayload
	for rows.Next() {
		var p ContactPayload
		var profile []byte
		if err := rows.Scan(&p.ID, &p.Email, &p.StatusData, &profile); err != nil {
			return nil, fmt.Errorf("scan contact payload: %w", err)
		}
		if err := json.Unmarshal(profile, &p.Profile); err != nil {
			return nil, fmt.Errorf("contact %d profile: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertContactRatings writes rated contacts keyed (task_id, contact_id),
// stamping the task's current fingerprint.
func (r *ContactRepo) UpsertContactRatings(ctx context.Context, taskID int64, rates map[int64]int, hashTask int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert contact ratings: %w", err)
	}
	defer tx.Rollback()

	for contactID, rate := range rates {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rate_contacts (task_id, contact_id, rate_cl, hash_task, created_at, updated_at)
			VALUES ($1, $2, $3, $4, NOW(), NOW())
			ON CONFLICT (task_id, contact_id)
			DO UPDATE SET rate_cl = EXCLUDED.rate_cl, hash_task = EXCLUDED.hash_task, updated_at = NOW()
		`, taskID, contactID, rate, hashTask)
		if err != nil {
			return fmt.Errorf("upsert contact rating %d: %w", contactID, err)
		}
	}
	return tx.Commit()
}
