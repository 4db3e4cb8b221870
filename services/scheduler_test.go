package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"battle-orchestrator/config"
	"battle-orchestrator/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTickCreatesBattle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.orch.Scheduler.Tick(ctx)
	env.orch.Scheduler.Tick(ctx)

	open, _ := env.repo.ListOpenBattles(ctx)
	if len(open) != 1 {
		t.Fatalf("open battles = %d, want 1", len(open))
	}
	if got := testutil.ToFloat64(env.orch.Scheduler.metrics.SchedulerTicks.WithLabelValues("ok")); got != 2 {
		t.Errorf("ok ticks = %v, want 2", got)
	}
}

func TestTickWithCreationDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Settlement.Enabled = false })
	ctx := context.Background()

	env.orch.Scheduler.Tick(ctx)
	if open, _ := env.repo.ListOpenBattles(ctx); len(open) != 0 {
		t.Fatalf("disabled scheduler created %d battles", len(open))
	}

	// An existing battle is still closed and settled.
	b := env.mustCreateBattle(t)
	env.mustJoin(t, "0xa")
	env.clock.Advance(24 * time.Hour)
	env.orch.Scheduler.Tick(ctx)

	if s := env.battle(t, b.ID).Status; s != models.BattleStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", s)
	}
	if open, _ := env.repo.ListOpenBattles(ctx); len(open) != 0 {
		t.Errorf("no replacement battle expected, got %d", len(open))
	}
}

func TestConcurrentTicksKeepOneOpenBattle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	first := env.mustCreateBattle(t)
	env.mustJoin(t, "0xa")
	env.clock.Advance(24 * time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.orch.Scheduler.Tick(ctx)
		}()
	}
	wg.Wait()

	open, _ := env.repo.ListOpenBattles(ctx)
	if len(open) != 1 || open[0].ID == first.ID {
		t.Fatalf("open battles = %+v, want exactly one new battle", open)
	}
	if n := env.repo.HistoryCount(); n != 1 {
		t.Errorf("history rows = %d, want 1", n)
	}
	if got := pointsOf(env.repo.PointsEntries(), "0xa"); got != 10 {
		t.Errorf("points = %d, want 10", got)
	}
}

func TestTickRecoversFromPanic(t *testing.T) {
	env := newTestEnv(t, nil)
	env.topics.panics = true

	env.orch.Scheduler.Tick(context.Background())

	if got := testutil.ToFloat64(env.orch.Scheduler.metrics.SchedulerTicks.WithLabelValues("panic")); got != 1 {
		t.Errorf("panic ticks = %v, want 1", got)
	}

	env.topics.panics = false
	env.orch.Scheduler.Tick(context.Background())
	if open, _ := env.repo.ListOpenBattles(context.Background()); len(open) != 1 {
		t.Errorf("scheduler did not recover: open = %d", len(open))
	}
}

func TestTickCountsCreationErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.topics.titles = []string{""}

	env.orch.Scheduler.Tick(context.Background())
	if got := testutil.ToFloat64(env.orch.Scheduler.metrics.SchedulerTicks.WithLabelValues("error")); got != 1 {
		t.Errorf("error ticks = %v, want 1", got)
	}
}

func TestTickResumesAbandonedSettlement(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	b := env.mustCreateBattle(t)
	env.mustJoin(t, "0xa")
	env.clock.Advance(24 * time.Hour)

	// The settler crashed right after claiming the battle.
	if ok, _ := env.repo.TransitionStatus(ctx, b.ID, models.BattleStatusActive, models.BattleStatusClosing, "", env.clock.Now()); !ok {
		t.Fatal("failed to seed CLOSING battle")
	}

	env.orch.Scheduler.Tick(ctx)
	if s := env.battle(t, b.ID).Status; s != models.BattleStatusClosing {
		t.Fatalf("lease still held, status = %s", s)
	}
	if open, _ := env.repo.ListOpenBattles(ctx); len(open) != 1 {
		t.Fatalf("no new battle while one is CLOSING, got %d open", len(open))
	}

	env.clock.Advance(11 * time.Minute)
	env.orch.Scheduler.Tick(ctx)
	if s := env.battle(t, b.ID).Status; s != models.BattleStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", s)
	}
	open, _ := env.repo.ListOpenBattles(ctx)
	if len(open) != 1 || open[0].ID == b.ID {
		t.Errorf("expected a replacement battle, got %+v", open)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if err := env.orch.Scheduler.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if open, _ := env.repo.ListOpenBattles(ctx); len(open) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("immediate tick never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := env.orch.Scheduler.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
