package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"battle-orchestrator/apperrors"
	"battle-orchestrator/clients"
	"battle-orchestrator/config"
	"battle-orchestrator/models"
	"battle-orchestrator/observability"
	"battle-orchestrator/repository"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeTopics struct {
	mu     sync.Mutex
	titles []string
	err    error
	panics bool
	calls  int
}

func (f *fakeTopics) GetTopic(context.Context) (clients.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panics {
		panic("topic provider exploded")
	}
	if f.err != nil {
		return clients.Topic{}, f.err
	}
	title := "Is a hot dog a sandwich"
	if len(f.titles) > 0 {
		title = f.titles[(f.calls-1)%len(f.titles)]
	}
	return clients.Topic{Title: title, Source: config.TopicSourceStatic}, nil
}

type fakeLedger struct {
	mu          sync.Mutex
	balance     decimal.Decimal
	balanceErr  error
	payoutErrs  []error // returned in order, then success
	drainOnErr  bool    // a failed payout still empties the pool
	payoutCalls int
	paidTo      []string
	collectErr  error
	collected   []string
}

func (f *fakeLedger) CollectEntry(_ context.Context, battleID, userAddress string, amount decimal.Decimal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.collectErr != nil {
		return "", f.collectErr
	}
	f.collected = append(f.collected, userAddress)
	f.balance = f.balance.Add(amount)
	return "entry-" + userAddress, nil
}

func (f *fakeLedger) TriggerPayout(_ context.Context, ledgerBattleID, winnerAddress string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payoutCalls++
	if len(f.payoutErrs) > 0 {
		err := f.payoutErrs[0]
		f.payoutErrs = f.payoutErrs[1:]
		if f.drainOnErr {
			f.paidTo = append(f.paidTo, winnerAddress)
			f.balance = decimal.Zero
		}
		return "", err
	}
	f.paidTo = append(f.paidTo, winnerAddress)
	f.balance = decimal.Zero
	return "payout-" + ledgerBattleID, nil
}

func (f *fakeLedger) GetPoolBalance(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, f.balanceErr
}

func transientLedgerError() error {
	return apperrors.NewSettlementTransientError("LEDGER_UNAVAILABLE", "ledger returned status 503", errors.New("busy"))
}

func testConfig() *config.Config {
	return &config.Config{
		Settlement: config.SettlementConfig{
			BattleDurationHours: 24,
			Enabled:             true,
			PollIntervalSeconds: 60,
			ParticipationPoints: 10,
			WinnerPoints:        100,
			WinnerPolicy:        config.WinnerPolicySideMajority,
			PayoutMaxAttempts:   3,
			PayoutBaseDelay:     time.Millisecond,
			LedgerTimeout:       time.Second,
			ClaimLease:          10 * time.Minute,
		},
		Database: config.DatabaseConfig{Driver: config.StoreDriverMemory},
		Topics: config.TopicConfig{
			Source:     config.TopicSourceStatic,
			StaticList: []string{"Is a hot dog a sandwich"},
		},
	}
}

type testEnv struct {
	repo   *repository.MemoryRepository
	clock  *testClock
	topics *fakeTopics
	ledger *fakeLedger
	orch   *Orchestrator
	sleeps []time.Duration
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	env := &testEnv{
		repo:   repository.NewMemoryRepository(),
		clock:  &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		topics: &fakeTopics{},
		ledger: &fakeLedger{},
	}
	env.orch = NewOrchestrator(cfg, Dependencies{
		Repo:    env.repo,
		Topics:  env.topics,
		Ledger:  env.ledger,
		Metrics: observability.NewMetrics(prometheus.NewRegistry()),
	})
	env.orch.Battles.now = env.clock.Now
	env.orch.Participation.now = env.clock.Now
	env.orch.Settlement.now = env.clock.Now
	env.orch.Scheduler.now = env.clock.Now
	env.orch.Settlement.sleep = func(_ context.Context, d time.Duration) error {
		env.sleeps = append(env.sleeps, d)
		return nil
	}
	return env
}

func (e *testEnv) mustCreateBattle(t *testing.T) *models.Battle {
	t.Helper()
	b, err := e.orch.Battles.CreateBattle(context.Background())
	if err != nil {
		t.Fatalf("CreateBattle: %v", err)
	}
	return b
}

func (e *testEnv) mustJoin(t *testing.T, addr string) {
	t.Helper()
	res := e.orch.Join(context.Background(), JoinRequest{UserAddress: addr, EntryTxRef: "tx-" + addr})
	if !res.Success {
		t.Fatalf("join %s: outcome=%s err=%v", addr, res.Outcome, res.Err)
	}
}

func (e *testEnv) mustSubmit(t *testing.T, battleID, addr, side string) {
	t.Helper()
	res := e.orch.Submit(context.Background(), SubmitRequest{UserAddress: addr, BattleID: battleID, Side: side, Content: "argument from " + addr})
	if !res.Success {
		t.Fatalf("submit %s: outcome=%s err=%v", addr, res.Outcome, res.Err)
	}
	e.clock.Advance(time.Second)
}

func (e *testEnv) battle(t *testing.T, id string) *models.Battle {
	t.Helper()
	b, err := e.repo.GetBattle(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBattle(%s): %v", id, err)
	}
	return b
}

func pointsOf(entries []models.PointsEntry, addr string) int64 {
	var total int64
	for _, e := range entries {
		if e.UserAddress == addr {
			total += e.Delta
		}
	}
	return total
}
