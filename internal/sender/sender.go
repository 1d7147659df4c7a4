package sender

import (
	"context"
	"math/rand"
	"time"

	"github.com/ignite/leadgen-engine/internal/pkg/logger"
	"github.com/ignite/leadgen-engine/internal/repository/postgres"
	"github.com/ignite/leadgen-engine/internal/sendwindow"
)

// SendFunc delivers one message. It encapsulates rendering and SMTP
// delivery; the mailbox_sent claim happens before it runs.
type SendFunc func(ctx context.Context, campaignID, listContactID int64) error

// MailboxStore is the DB surface one sender loop needs.
type MailboxStore interface {
	Mailbox(ctx context.Context, id int64) (*postgres.Mailbox, error)
	ActiveCampaigns(ctx context.Context) (map[int64][]postgres.Campaign, error)
	GlobalWindow(ctx context.Context, workspaceID int64) (sendwindow.Window, error)
	PendingCount(ctx context.Context, campaignID int64) (int, error)
	NextContact(ctx context.Context, campaignID int64) (*postgres.ListContact, error)
	RecordSent(ctx context.Context, campaignID, listContactID int64) (bool, error)
}

// Sender is one mailbox's send loop. It paces itself to the mailbox's
// hourly limit, gates every step on the send window and self-terminates
// after a jittered interval so restarts of many senders never synchronize.
type Sender struct {
	mailboxID int64
	store     MailboxStore
	send      SendFunc
	hb        chan<- Heartbeat

	jitterMin time.Duration
	jitterMax time.Duration

	now func() time.Time
	rng *rand.Rand
}

// NewSender wires a sender for one mailbox. hb receives heartbeats; the
// supervisor owns the channel.
func NewSender(mailboxID int64, store MailboxStore, send SendFunc, hb chan<- Heartbeat, jitterMin, jitterMax time.Duration) *Sender {
	return &Sender{
		mailboxID: mailboxID,
		store:     store,
		send:      send,
		hb:        hb,
		jitterMin: jitterMin,
		jitterMax: jitterMax,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano() ^ mailboxID)),
	}
}

func (s *Sender) beat(state string, nextWake time.Time, campaignID int64, reason string) {
	hb := Heartbeat{
		MailboxID:  s.mailboxID,
		TS:         s.now(),
		NextWakeAt: nextWake,
		State:      state,
		CampaignID: campaignID,
		Reason:     reason,
	}
	select {
	case s.hb <- hb:
	default:
		// Supervisor is behind; dropping a beat is better than blocking
		// the send loop.
	}
}

// Run executes the send loop until ctx is cancelled or the death jitter
// expires.
func (s *Sender) Run(ctx context.Context) error {
	deathAt := s.now().Add(s.jitterMin + time.Duration(s.rng.Int63n(int64(s.jitterMax-s.jitterMin))))

	mb, err := s.store.Mailbox(ctx, s.mailboxID)
	if err != nil {
		s.beat(StateExit, s.now(), 0, "mailbox load failed")
		return err
	}
	if mb == nil || mb.LimitHourSent <= 0 {
		// Nothing to do; idle-heartbeat until the jitter kills us.
		s.beat(StateIdle, deathAt, 0, "no hourly budget")
		select {
		case <-ctx.Done():
		case <-time.After(time.Until(deathAt)):
		}
		s.beat(StateExit, s.now(), 0, "death jitter")
		return nil
	}

	interval := time.Duration(float64(time.Hour) / float64(mb.LimitHourSent))

	for {
		if s.now().After(deathAt) {
			s.beat(StateExit, s.now(), 0, "death jitter")
			return nil
		}

		if _, err := s.step(ctx, mb); err != nil {
			s.beat(StateExit, s.now(), 0, err.Error())
			return err
		}

		next := s.now().Add(interval)
		s.beat(StateSleep, next, 0, "")
		select {
		case <-ctx.Done():
			s.beat(StateExit, s.now(), 0, "cancelled")
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// step sends at most one message: intersect the mailbox's campaigns with
// the send window, pick one weighted by pending volume, deliver its best
// contact.
func (s *Sender) step(ctx context.Context, mb *postgres.Mailbox) (bool, error) {
	byMailbox, err := s.store.ActiveCampaigns(ctx)
	if err != nil {
		return false, err
	}
	global, err := s.store.GlobalWindow(ctx, mb.WorkspaceID)
	if err != nil {
		return false, err
	}

	now := s.now()
	var windowed []postgres.Campaign
	var weights []int
	total := 0
	for _, camp := range byMailbox[s.mailboxID] {
		if !sendwindow.InWindow(now, camp.Window, global) {
			continue
		}
		pending, err := s.store.PendingCount(ctx, camp.ID)
		if err != nil {
			return false, err
		}
		if pending <= 0 {
			continue
		}
		windowed = append(windowed, camp)
		weights = append(weights, pending)
		total += pending
	}
	if total == 0 {
		return false, nil
	}

	camp := windowed[weightedPick(s.rng, weights, total)]
	contact, err := s.store.NextContact(ctx, camp.ID)
	if err != nil {
		return false, err
	}
	if contact == nil {
		return false, nil
	}

	// Claim before delivery: the unique constraint under RecordSent is the
	// double-send guard across concurrent senders.
	claimed, err := s.store.RecordSent(ctx, camp.ID, contact.ID)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	s.beat(StateSending, now, camp.ID, "")
	if err := s.send(ctx, camp.ID, contact.ID); err != nil {
		logger.Error("sender: send failed",
			"mailbox_id", s.mailboxID, "campaign_id", camp.ID,
			"list_contact_id", contact.ID, "error", err)
		return false, nil
	}
	return true, nil
}

func weightedPick(rng *rand.Rand, weights []int, total int) int {
	n := rng.Intn(total)
	for i, w := range weights {
		if n < w {
			return i
		}
		n -= w
	}
	return len(weights) - 1
}
