package sender

import (
	"context"
	"time"

	"github.com/ignite/leadgen-engine/internal/config"
	"github.com/ignite/leadgen-engine/internal/pkg/logger"
	"github.com/ignite/leadgen-engine/internal/repository/postgres"
	"github.com/ignite/leadgen-engine/internal/sendwindow"
)

// =============================================================================
// SENDER SUPERVISOR
// =============================================================================
// One orchestrator keeps per-mailbox senders alive: every reconcile tick
// it computes the desired sender set from active windowed campaigns,
// spawns what is missing and kills what is stale. A tight restart loop is
// treated as a systemic fault: 10 starts in 60s pauses everything for 10
// minutes, a second spike parks the supervisor hard-dead.

// SpawnFunc starts a sender for a mailbox and returns its stop function.
type SpawnFunc func(ctx context.Context, mailboxID int64) (stop func())

// CampaignSource is the DB surface the supervisor needs.
type CampaignSource interface {
	ActiveCampaigns(ctx context.Context) (map[int64][]postgres.Campaign, error)
	GlobalWindow(ctx context.Context, workspaceID int64) (sendwindow.Window, error)
}

type senderHandle struct {
	stop       func()
	lastSeen   time.Time
	nextWakeAt time.Time
	state      string
}

// Supervisor reconciles running senders against the desired set.
type Supervisor struct {
	source CampaignSource
	spawn  SpawnFunc
	cfg    config.SenderConfig

	hb      chan Heartbeat
	running map[int64]*senderHandle

	startEvents []time.Time
	pausedUntil time.Time
	softFailed  bool
	hardDead    bool
	lastStatus  time.Time

	now func() time.Time
}

// NewSupervisor wires a supervisor. spawn is injected so tests can stub
// the child processes.
func NewSupervisor(source CampaignSource, spawn SpawnFunc, cfg config.SenderConfig) *Supervisor {
	return &Supervisor{
		source:  source,
		spawn:   spawn,
		cfg:     cfg,
		hb:      make(chan Heartbeat, 256),
		running: map[int64]*senderHandle{},
		now:     time.Now,
	}
}

// Heartbeats returns the channel senders report into.
func (s *Supervisor) Heartbeats() chan<- Heartbeat { return s.hb }

// Run reconciles until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.ReconcileSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.killAll("shutdown")
			return ctx.Err()
		case hb := <-s.hb:
			s.observe(hb)
		case <-ticker.C:
			s.drainHeartbeats()
			if err := s.Reconcile(ctx); err != nil {
				logger.Error("supervisor: reconcile failed", "error", err)
			}
		}
	}
}

func (s *Supervisor) drainHeartbeats() {
	for {
		select {
		case hb := <-s.hb:
			s.observe(hb)
		default:
			return
		}
	}
}

func (s *Supervisor) observe(hb Heartbeat) {
	h, ok := s.running[hb.MailboxID]
	if !ok {
		return
	}
	h.lastSeen = hb.TS
	h.nextWakeAt = hb.NextWakeAt
	h.state = hb.State
}

// Reconcile performs one supervision pass at the current clock.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	now := s.now()

	if s.hardDead {
		if now.Sub(s.lastStatus) >= time.Minute {
			logger.Error("supervisor: hard-dead; restart required", "running", len(s.running))
			s.lastStatus = now
		}
		return nil
	}
	if now.Before(s.pausedUntil) {
		return nil
	}

	desired, err := s.desiredMailboxes(ctx, now)
	if err != nil {
		return err
	}

	// Kill senders no longer desired.
	for id, h := range s.running {
		if !desired[id] {
			h.stop()
			delete(s.running, id)
			logger.Info("supervisor: sender retired", "mailbox_id", id)
		}
	}

	// Restart stale senders, spawn missing ones.
	grace := time.Duration(s.cfg.HeartbeatGraceSec) * time.Second
	for id := range desired {
		h, ok := s.running[id]
		if ok {
			// Spawn time seeds nextWakeAt, so a child that never sends a
			// single heartbeat still goes stale once the grace passes.
			deadline := h.nextWakeAt.Add(grace)
			if !now.After(deadline) {
				continue
			}
			h.stop()
			delete(s.running, id)
			logger.Warn("supervisor: sender stale, restarting",
				"mailbox_id", id, "state", h.state, "last_seen", h.lastSeen.Format(time.RFC3339))
		}
		s.startSender(ctx, id, now)
		if s.crashLoopCheck(now) {
			return nil
		}
	}
	return nil
}

// desiredMailboxes is the desired-state function: mailboxes with at least
// one active campaign inside its send window right now.
func (s *Supervisor) desiredMailboxes(ctx context.Context, now time.Time) (map[int64]bool, error) {
	byMailbox, err := s.source.ActiveCampaigns(ctx)
	if err != nil {
		return nil, err
	}

	globals := map[int64]sendwindow.Window{}
	desired := map[int64]bool{}
	for mailboxID, camps := range byMailbox {
		for _, camp := range camps {
			global, ok := globals[camp.WorkspaceID]
			if !ok {
				global, err = s.source.GlobalWindow(ctx, camp.WorkspaceID)
				if err != nil {
					return nil, err
				}
				globals[camp.WorkspaceID] = global
			}
			if sendwindow.InWindow(now, camp.Window, global) {
				desired[mailboxID] = true
				break
			}
		}
	}
	return desired, nil
}

func (s *Supervisor) startSender(ctx context.Context, mailboxID int64, now time.Time) {
	stop := s.spawn(ctx, mailboxID)
	s.running[mailboxID] = &senderHandle{stop: stop, nextWakeAt: now}
	s.startEvents = append(s.startEvents, now)
	logger.Info("supervisor: sender started", "mailbox_id", mailboxID)
}

// crashLoopCheck applies the restart-storm policy. Returns true when the
// pass must stop because everything was just killed.
func (s *Supervisor) crashLoopCheck(now time.Time) bool {
	window := time.Duration(s.cfg.CrashLoopWindowSec) * time.Second
	kept := s.startEvents[:0]
	for _, t := range s.startEvents {
		if now.Sub(t) <= window {
			kept = append(kept, t)
		}
	}
	s.startEvents = kept

	if len(s.startEvents) < s.cfg.CrashLoopStarts {
		return false
	}

	s.killAll("crash loop")
	s.startEvents = nil

	if s.softFailed {
		s.hardDead = true
		s.lastStatus = now
		logger.Error("supervisor: crash loop re-triggered, entering hard-dead state")
		return true
	}
	s.softFailed = true
	s.pausedUntil = now.Add(time.Duration(s.cfg.CrashLoopPauseMin) * time.Minute)
	logger.Error("supervisor: crash loop detected, pausing spawns",
		"paused_until", s.pausedUntil.Format(time.RFC3339))
	return true
}

func (s *Supervisor) killAll(reason string) {
	for id, h := range s.running {
		h.stop()
		delete(s.running, id)
	}
	logger.Warn("supervisor: all senders killed", "reason", reason)
}

// Running reports how many senders are live.
func (s *Supervisor) Running() int { return len(s.running) }

// HardDead reports whether the supervisor has parked itself.
func (s *Supervisor) HardDead() bool { return s.hardDead }

// PausedUntil exposes the crash-loop pause deadline.
func (s *Supervisor) PausedUntil() time.Time { return s.pausedUntil }
