package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"battle-orchestrator/apperrors"
	"battle-orchestrator/config"
	"battle-orchestrator/events"
	"battle-orchestrator/models"
	"battle-orchestrator/repository"
)

type recordingPublisher struct {
	events []events.Event
	closed int
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.closed++
	return nil
}

func (p *recordingPublisher) types() []string {
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func TestOrchestratorInitializeOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Settlement.PollIntervalSeconds = 3600
	pub := &recordingPublisher{}
	cache := &fakeCache{}
	repo := repository.NewMemoryRepository()
	orch := NewOrchestrator(cfg, Dependencies{Repo: repo, Topics: &fakeTopics{}, Cache: cache, Events: pub})

	ctx := context.Background()
	if err := orch.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := orch.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if cache.replaced != 1 {
		t.Errorf("cache warmed %d times, want 1", cache.replaced)
	}

	if err := orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := orch.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if pub.closed != 1 {
		t.Errorf("publisher closed %d times, want 1", pub.closed)
	}
}

func TestOrchestratorGetConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	got := env.orch.GetConfig()
	if got.BattleDurationHours != 24 || got.PollIntervalSeconds != 60 || !got.Enabled {
		t.Errorf("config = %+v", got)
	}
	got.BattleDurationHours = 1
	if env.orch.GetConfig().BattleDurationHours != 24 {
		t.Error("GetConfig must return a copy")
	}
}

func TestOrchestratorInvalidSchedulingDisablesCreation(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Topics.StaticList = nil })
	env.orch.Scheduler.Tick(context.Background())
	if open, _ := env.repo.ListOpenBattles(context.Background()); len(open) != 0 {
		t.Errorf("missing topic list must disable creation, got %d open", len(open))
	}
}

func TestOrchestratorPublishesLifecycleEvents(t *testing.T) {
	pub := &recordingPublisher{}
	cfg := testConfig()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	repo := repository.NewMemoryRepository()
	orch := NewOrchestrator(cfg, Dependencies{Repo: repo, Topics: &fakeTopics{}, Events: pub})
	orch.Battles.now = clock.Now
	orch.Participation.now = clock.Now
	orch.Settlement.now = clock.Now
	orch.Scheduler.now = clock.Now

	ctx := context.Background()
	orch.Scheduler.Tick(ctx)
	clock.Advance(24 * time.Hour)
	orch.Scheduler.Tick(ctx)

	want := []string{events.BattleCreated, events.BattleClosing, events.BattleCompleted, events.BattleCreated}
	got := pub.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestOrchestratorUserPoints(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mustCreateBattle(t)
	env.mustJoin(t, "0xa")
	env.clock.Advance(24 * time.Hour)
	env.orch.Scheduler.Tick(context.Background())

	row, err := env.orch.UserPoints(context.Background(), "0xA")
	if err != nil || row.TotalPoints != 10 {
		t.Fatalf("row = %+v, %v", row, err)
	}
	_, err = env.orch.UserPoints(context.Background(), "0xnobody")
	if !apperrors.Is(err, apperrors.TypeNotFound) {
		t.Errorf("unknown user: %v", err)
	}
	_, err = env.orch.UserPoints(context.Background(), "")
	if !apperrors.Is(err, apperrors.TypeValidation) {
		t.Errorf("blank address: %v", err)
	}
}

type fakeCache struct {
	rows        []models.LeaderboardRow
	warm        bool
	err         error
	upsertErr   error
	replaced    int
	upserts     []models.LeaderboardRow
	invalidated int
}

func (c *fakeCache) Top(_ context.Context, limit int) ([]models.LeaderboardRow, bool, error) {
	if c.err != nil {
		return nil, false, c.err
	}
	if !c.warm {
		return nil, false, nil
	}
	if len(c.rows) > limit {
		return c.rows[:limit], true, nil
	}
	return c.rows, true, nil
}

func (c *fakeCache) UserPoints(_ context.Context, addr string) (*models.LeaderboardRow, bool, error) {
	if c.err != nil || !c.warm {
		return nil, false, c.err
	}
	for _, r := range c.rows {
		if r.UserAddress == addr {
			row := r
			return &row, true, nil
		}
	}
	return nil, true, nil
}

func (c *fakeCache) Upsert(_ context.Context, rows []models.LeaderboardRow) error {
	if c.upsertErr != nil {
		return c.upsertErr
	}
	if c.err != nil {
		return c.err
	}
	c.upserts = append(c.upserts, rows...)
	for _, row := range rows {
		replaced := false
		for i := range c.rows {
			if c.rows[i].UserAddress == row.UserAddress {
				c.rows[i], replaced = row, true
			}
		}
		if !replaced {
			c.rows = append(c.rows, row)
		}
	}
	return nil
}

func (c *fakeCache) Invalidate(context.Context) error {
	c.invalidated++
	c.warm = false
	return nil
}

func (c *fakeCache) Replace(_ context.Context, rows []models.LeaderboardRow) error {
	c.replaced++
	if c.err != nil {
		return c.err
	}
	c.rows = rows
	c.warm = true
	return nil
}

var errCacheDown = errors.New("redis: connection refused")
