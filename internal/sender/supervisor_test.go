package sender

import (
	"context"
	"testing"
	"time"

	"github.com/ignite/leadgen-engine/internal/config"
	"github.com/ignite/leadgen-engine/internal/repository/postgres"
	"github.com/ignite/leadgen-engine/internal/sendwindow"
)

// alwaysOpen is a window covering every minute of every day.
func alwaysOpen() sendwindow.Window {
	w := sendwindow.Window{}
	for _, day := range []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun", "hol"} {
		w[day] = []sendwindow.Slot{{From: "00:00", To: "23:59"}}
	}
	return w
}

type stubSource struct {
	campaigns map[int64][]postgres.Campaign
}

func (s *stubSource) ActiveCampaigns(context.Context) (map[int64][]postgres.Campaign, error) {
	return s.campaigns, nil
}
func (s *stubSource) GlobalWindow(context.Context, int64) (sendwindow.Window, error) {
	return sendwindow.Window{}, nil
}

func supervisorConfig() config.SenderConfig {
	return config.SenderConfig{
		ReconcileSeconds:   1,
		HeartbeatGraceSec:  5,
		CrashLoopStarts:    10,
		CrashLoopWindowSec: 60,
		CrashLoopPauseMin:  10,
	}
}

func newTestSupervisor(clock *time.Time) (*Supervisor, *int, *int) {
	source := &stubSource{campaigns: map[int64][]postgres.Campaign{
		1: {{ID: 100, WorkspaceID: 1, MailboxID: 1, Window: alwaysOpen()}},
	}}
	spawns, kills := 0, 0
	spawn := func(context.Context, int64) func() {
		spawns++
		return func() { kills++ }
	}
	s := NewSupervisor(source, spawn, supervisorConfig())
	s.now = func() time.Time { return *clock }
	return s, &spawns, &kills
}

// markStale makes the running sender look overdue so the next reconcile
// restarts it.
func markStale(s *Supervisor, clock time.Time) {
	s.observe(Heartbeat{MailboxID: 1, TS: clock, NextWakeAt: clock.Add(-time.Minute), State: StateSleep})
}

func TestCrashLoopSoftPauseThenHardDead(t *testing.T) {
	base := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC) // an ordinary Monday
	clock := base
	s, spawns, kills := newTestSupervisor(&clock)
	ctx := context.Background()

	// 10 starts in 10 seconds: the first spawn plus 9 stale restarts.
	for i := 0; i < 10; i++ {
		clock = base.Add(time.Duration(i) * time.Second)
		if err := s.Reconcile(ctx); err != nil {
			t.Fatalf("Reconcile() error: %v", err)
		}
		markStale(s, clock)
	}

	if *spawns != 10 {
		t.Fatalf("spawns = %d, want 10", *spawns)
	}
	if s.Running() != 0 {
		t.Errorf("Running() = %d after crash loop, want 0 (all killed)", s.Running())
	}
	if *kills != 10 {
		t.Errorf("kills = %d, want 10", *kills)
	}
	wantPause := clock.Add(10 * time.Minute)
	if !s.PausedUntil().Equal(wantPause) {
		t.Errorf("PausedUntil() = %v, want %v", s.PausedUntil(), wantPause)
	}
	if len(s.startEvents) != 0 {
		t.Errorf("start-event buffer not cleared: %d entries", len(s.startEvents))
	}
	if s.HardDead() {
		t.Fatal("first crash loop must pause, not hard-kill")
	}

	// While paused, nothing spawns.
	clock = clock.Add(time.Minute)
	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() during pause: %v", err)
	}
	if *spawns != 10 {
		t.Errorf("spawns during pause = %d, want 10 still", *spawns)
	}

	// After waking, a second spike parks the supervisor hard-dead.
	wake := s.PausedUntil().Add(time.Second)
	for i := 0; i < 10; i++ {
		clock = wake.Add(time.Duration(i) * time.Second)
		if err := s.Reconcile(ctx); err != nil {
			t.Fatalf("Reconcile() error: %v", err)
		}
		markStale(s, clock)
	}

	if !s.HardDead() {
		t.Fatal("second crash loop must enter hard-dead state")
	}
	if s.Running() != 0 {
		t.Errorf("Running() = %d in hard-dead, want 0", s.Running())
	}

	// Hard-dead stays dead.
	clock = clock.Add(time.Hour)
	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() in hard-dead: %v", err)
	}
	if *spawns != 20 {
		t.Errorf("spawns after hard-dead = %d, want 20", *spawns)
	}
}

func TestSlowRestartsNeverTriggerCrashLoop(t *testing.T) {
	base := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	clock := base
	s, spawns, _ := newTestSupervisor(&clock)
	ctx := context.Background()

	// 15 restarts spread over 150s: never 10 inside any 60s window.
	for i := 0; i < 15; i++ {
		clock = base.Add(time.Duration(i) * 10 * time.Second)
		if err := s.Reconcile(ctx); err != nil {
			t.Fatalf("Reconcile() error: %v", err)
		}
		markStale(s, clock)
	}

	if *spawns != 15 {
		t.Errorf("spawns = %d, want 15", *spawns)
	}
	if s.HardDead() || !s.PausedUntil().IsZero() {
		t.Error("slow restarts must not trigger the crash-loop policy")
	}
}

func TestHealthySenderIsLeftAlone(t *testing.T) {
	base := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	clock := base
	s, spawns, _ := newTestSupervisor(&clock)
	ctx := context.Background()

	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	// Heartbeat promising a wake in 30s keeps the sender alive.
	s.observe(Heartbeat{MailboxID: 1, TS: clock, NextWakeAt: clock.Add(30 * time.Second), State: StateSleep})

	clock = base.Add(20 * time.Second)
	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if *spawns != 1 {
		t.Errorf("spawns = %d, want 1 (healthy sender must not restart)", *spawns)
	}
}

func TestSilentSenderIsRestartedAfterGrace(t *testing.T) {
	base := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	clock := base
	s, spawns, kills := newTestSupervisor(&clock)
	ctx := context.Background()

	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if *spawns != 1 {
		t.Fatalf("spawns = %d, want 1", *spawns)
	}

	// Inside the grace the quiet child is left alone.
	clock = base.Add(3 * time.Second)
	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if *spawns != 1 {
		t.Errorf("spawns = %d inside grace, want 1", *spawns)
	}

	// A child that hangs before its first heartbeat (e.g. wedged on the
	// initial mailbox load) must still go stale off its spawn time.
	clock = base.Add(time.Hour)
	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if *spawns != 2 || *kills != 1 {
		t.Errorf("spawns = %d, kills = %d after 1h of silence; want 2 and 1", *spawns, *kills)
	}
}

func TestUndesiredSenderIsRetired(t *testing.T) {
	base := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	clock := base
	s, _, kills := newTestSupervisor(&clock)
	ctx := context.Background()

	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if s.Running() != 1 {
		t.Fatalf("Running() = %d, want 1", s.Running())
	}

	// Campaign goes away; the sender must be stopped.
	s.source.(*stubSource).campaigns = map[int64][]postgres.Campaign{}
	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if s.Running() != 0 || *kills != 1 {
		t.Errorf("Running() = %d, kills = %d; want 0 and 1", s.Running(), *kills)
	}
}
