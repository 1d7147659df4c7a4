package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/leadgen-engine/internal/sendwindow"
)

// Mailbox carries SMTP identity and throttle settings. The password is
// stored sealed (AEAD ciphertext); callers decrypt with the master key.
type Mailbox struct {
	ID            int64
	WorkspaceID   int64
	Email         string
	SMTPHost      string
	SMTPPort      int
	SMTPUser      string
	SMTPPassword  string // sealed
	LimitHourSent int
	Active        bool
}

// Campaign ties a mailbox to a mailing list and a send window.
type Campaign struct {
	ID          int64
	WorkspaceID int64
	MailboxID   int64
	ListID      int64
	Name        string
	Window      sendwindow.Window
	Active      bool
}

// ListContact is one deliverable list membership with its rating context.
type ListContact struct {
	ID        int64
	ContactID int64
	Email     string
	RateCL    int
	RateCB    int
}

// MailboxRepo reads sender state and records deliveries.
type MailboxRepo struct{ db *sql.DB }

// NewMailboxRepo creates a Postgres-backed mailbox repository.
func NewMailboxRepo(db *sql.DB) *MailboxRepo { return &MailboxRepo{db: db} }

// Mailbox loads one mailbox.
func (r *MailboxRepo) Mailbox(ctx context.Context, id int64) (*Mailbox, error) {
	m := &Mailbox{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, email, smtp_host, smtp_port, smtp_user,
		       COALESCE(smtp_password,''), limit_hour_sent, active
		FROM mailboxes
		WHERE id = $1
	`, id).Scan(
		&m.ID, &m.WorkspaceID, &m.Email, &m.SMTPHost, &m.SMTPPort,
		&m.SMTPUser, &m.SMTPPassword, &m.LimitHourSent, &m.Active,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mailbox: %w", err)
	}
	return m, nil
}

// ActiveCampaigns returns active campaigns grouped by mailbox. This is the
// supervisor's desired-state input.
func (r *MailboxRepo) ActiveCampaigns(ctx context.Context) (map[int64][]Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.workspace_id, c.mailbox_id, c.list_id, c.name,
		       COALESCE(c.send_window, '{}'::jsonb), c.active
		FROM campaigns_campaigns c
		JOIN mailboxes m ON m.id = c.mailbox_id
		WHERE c.active = true AND m.active = true
		ORDER BY c.mailbox_id, c.id
	`)
	if err != nil {
		return nil, fmt.Errorf("active campaigns: %w", err)
	}
	defer rows.Close()

	out := map[int64][]Campaign{}
	for rows.Next() {
		var c Campaign
		var window []byte
		if err := rows.Scan(&c.ID, &c.WorkspaceID, &c.MailboxID, &c.ListID, &c.Name, &window, &c.Active); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		if err := json.Unmarshal(window, &c.Window); err != nil {
			return nil, fmt.Errorf("campaign %d window: %w", c.ID, err)
		}
		out[c.MailboxID] = append(out[c.MailboxID], c)
	}
	return out, rows.Err()
}

// GlobalWindow loads the workspace-wide send window campaigns fall back to.
func (r *MailboxRepo) GlobalWindow(ctx context.Context, workspaceID int64) (sendwindow.Window, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(send_window, '{}'::jsonb) FROM workspaces WHERE id = $1
	`, workspaceID).Scan(&raw)
	if err == sql.ErrNoRows {
		return sendwindow.Window{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("global window: %w", err)
	}
	var w sendwindow.Window
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("global window json: %w", err)
	}
	return w, nil
}

// PendingCount counts deliverable contacts a campaign has not mailed yet.
func (r *MailboxRepo) PendingCount(ctx context.Context, campaignID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM lists_contacts lc
		JOIN campaigns_campaigns c ON c.list_id = lc.list_id
		WHERE c.id = $1 AND lc.active = true
		  AND NOT EXISTS (
			SELECT 1 FROM mailbox_sent ms
			WHERE ms.campaign_id = c.id AND ms.list_contact_id = lc.id
		  )
	`, campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// NextContact picks the best unsent contact for a campaign: lowest rate_cl,
// then rate_cb, then id. nil when the list is exhausted.
func (r *MailboxRepo) NextContact(ctx context.Context, campaignID int64) (*ListContact, error) {
	lc := &ListContact{}
	err := r.db.QueryRowContext(ctx, `
		SELECT lc.id, lc.contact_id, lc.email,
		       COALESCE(lc.rate_cl, 0), COALESCE(lc.rate_cb, 0)
		FROM lists_contacts lc
		JOIN campaigns_campaigns c ON c.list_id = lc.list_id
		WHERE c.id = $1 AND lc.active = true
		  AND NOT EXISTS (
			SELECT 1 FROM mailbox_sent ms
			WHERE ms.campaign_id = c.id AND ms.list_contact_id = lc.id
		  )
		ORDER BY lc.rate_cl ASC, lc.rate_cb ASC, lc.id ASC
		LIMIT 1
	`, campaignID).Scan(&lc.ID, &lc.ContactID, &lc.Email, &lc.RateCL, &lc.RateCB)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next contact: %w", err)
	}
	return lc, nil
}

// RecordSent appends the delivery row. The unique constraint on
// (campaign_id, list_contact_id) is the double-send guard; a conflict means
// another sender got there first and is not an error.
func (r *MailboxRepo) RecordSent(ctx context.Context, campaignID, listContactID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO mailbox_sent (campaign_id, list_contact_id, sent_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (campaign_id, list_contact_id) DO NOTHING
	`, campaignID, listContactID)
	if err != nil {
		return false, fmt.Errorf("record sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record sent: %w", err)
	}
	return n > 0, nil
}
