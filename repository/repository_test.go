package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"battle-orchestrator/models"

	"github.com/google/uuid"
)

// testPostgresDSN returns the DSN for integration tests, or "" to skip them.
func testPostgresDSN() string {
	return os.Getenv("TEST_DATABASE_URL")
}

func newGormTestRepo(t *testing.T) BattleRepository {
	t.Helper()
	dsn := testPostgresDSN()
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping Postgres integration test")
	}
	db, err := Open(dsn)
	if err != nil {
		t.Skipf("test postgres not available: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range []string{"payouts", "points_entries", "battle_histories", "submissions", "participants", "battles"} {
		if err := db.Exec("DELETE FROM " + table).Error; err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
	return NewGormRepository(db)
}

func newBattle(now time.Time) *models.Battle {
	return &models.Battle{
		ID:        uuid.NewString(),
		Title:     "Pineapple on pizza",
		StartTime: now,
		EndTime:   now.Add(24 * time.Hour),
	}
}

func TestMemoryRepositoryContract(t *testing.T) {
	runContract(t, func(t *testing.T) BattleRepository { return NewMemoryRepository() })
}

func TestGormRepositoryContract(t *testing.T) {
	runContract(t, newGormTestRepo)
}

func runContract(t *testing.T, newRepo func(t *testing.T) BattleRepository) {
	t.Run("single open battle", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)

		first := newBattle(now)
		if err := repo.CreateOpenBattle(ctx, first); err != nil {
			t.Fatalf("create first battle: %v", err)
		}
		if first.Status != models.BattleStatusActive {
			t.Errorf("new battle status = %s, want ACTIVE", first.Status)
		}
		if err := repo.CreateOpenBattle(ctx, newBattle(now)); !errors.Is(err, ErrOpenBattleExists) {
			t.Errorf("second open battle: got %v, want ErrOpenBattleExists", err)
		}

		open, err := repo.ListOpenBattles(ctx)
		if err != nil {
			t.Fatalf("list open: %v", err)
		}
		if len(open) != 1 || open[0].ID != first.ID {
			t.Fatalf("open battles = %+v", open)
		}
	})

	t.Run("concurrent creators produce one battle", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Now().UTC()

		var wg sync.WaitGroup
		var mu sync.Mutex
		created := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := repo.CreateOpenBattle(ctx, newBattle(now)); err == nil {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if created != 1 {
			t.Errorf("created %d battles, want exactly 1", created)
		}
	})

	t.Run("transition is compare and set", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Now().UTC()
		b := newBattle(now)
		if err := repo.CreateOpenBattle(ctx, b); err != nil {
			t.Fatalf("create: %v", err)
		}

		ok, err := repo.TransitionStatus(ctx, b.ID, models.BattleStatusActive, models.BattleStatusClosing, "", now)
		if err != nil || !ok {
			t.Fatalf("first close: ok=%v err=%v", ok, err)
		}
		ok, err = repo.TransitionStatus(ctx, b.ID, models.BattleStatusActive, models.BattleStatusClosing, "", now)
		if err != nil || ok {
			t.Errorf("second close should lose the race: ok=%v err=%v", ok, err)
		}
		if _, err := repo.TransitionStatus(ctx, b.ID, models.BattleStatusCompleted, models.BattleStatusActive, "", now); !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("illegal transition: got %v", err)
		}

		ok, err = repo.TransitionStatus(ctx, b.ID, models.BattleStatusClosing, models.BattleStatusFailed, "payout exhausted", now)
		if err != nil || !ok {
			t.Fatalf("fail battle: ok=%v err=%v", ok, err)
		}
		got, err := repo.GetBattle(ctx, b.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != models.BattleStatusFailed || got.FailureReason != "payout exhausted" || got.CompletedAt == nil {
			t.Errorf("unexpected terminal battle: %+v", got)
		}
	})

	t.Run("claim closing respects lease", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Now().UTC()
		b := newBattle(now)
		if err := repo.CreateOpenBattle(ctx, b); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := repo.TransitionStatus(ctx, b.ID, models.BattleStatusActive, models.BattleStatusClosing, "", now); err != nil {
			t.Fatalf("close: %v", err)
		}

		if ok, _ := repo.ClaimClosing(ctx, b.ID, now.Add(-time.Minute), now); ok {
			t.Error("fresh claim should not be stealable")
		}
		stale, err := repo.ListStaleClosing(ctx, now.Add(time.Minute))
		if err != nil || len(stale) != 1 {
			t.Fatalf("stale closing = %v, err %v", stale, err)
		}
		if ok, _ := repo.ClaimClosing(ctx, b.ID, now.Add(time.Minute), now.Add(2*time.Minute)); !ok {
			t.Error("expired claim should be taken over")
		}
	})

	t.Run("participants are unique and capped", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		b := newBattle(time.Now().UTC())
		b.MaxParticipants = 2
		if err := repo.CreateOpenBattle(ctx, b); err != nil {
			t.Fatalf("create: %v", err)
		}

		add := func(addr string) error {
			return repo.AddParticipant(ctx, &models.Participant{ID: uuid.NewString(), BattleID: b.ID, UserAddress: addr})
		}
		if err := add("0xa"); err != nil {
			t.Fatalf("join a: %v", err)
		}
		if err := add("0xa"); !errors.Is(err, ErrDuplicate) {
			t.Errorf("duplicate join: got %v", err)
		}
		if err := add("0xb"); err != nil {
			t.Fatalf("join b: %v", err)
		}
		if err := add("0xc"); !errors.Is(err, ErrBattleFull) {
			t.Errorf("join past cap: got %v", err)
		}
		if err := add("0xa"); !errors.Is(err, ErrDuplicate) {
			t.Errorf("rejoin on a full battle should still be a duplicate: got %v", err)
		}
		count, _ := repo.CountParticipants(ctx, b.ID)
		if count != 2 {
			t.Errorf("participants = %d, want 2", count)
		}
	})

	t.Run("writes rejected once closing", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Now().UTC()
		b := newBattle(now)
		if err := repo.CreateOpenBattle(ctx, b); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := repo.TransitionStatus(ctx, b.ID, models.BattleStatusActive, models.BattleStatusClosing, "", now); err != nil {
			t.Fatalf("close: %v", err)
		}

		err := repo.AddParticipant(ctx, &models.Participant{ID: uuid.NewString(), BattleID: b.ID, UserAddress: "0xa"})
		if !errors.Is(err, ErrBattleNotActive) {
			t.Errorf("join closing battle: got %v", err)
		}
		err = repo.AddSubmission(ctx, &models.Submission{ID: uuid.NewString(), BattleID: b.ID, UserAddress: "0xa", Side: "yes", Content: "x", CreatedAt: now})
		if !errors.Is(err, ErrBattleNotActive) {
			t.Errorf("submit to closing battle: got %v", err)
		}
	})

	t.Run("settlement recorded once and leaderboard ordering", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)
		b := newBattle(now)
		if err := repo.CreateOpenBattle(ctx, b); err != nil {
			t.Fatalf("create: %v", err)
		}

		winner := "0xb"
		rec := &SettlementRecord{
			History: models.BattleHistory{ID: uuid.NewString(), BattleID: b.ID, TotalParticipants: 3, WinnerAddress: &winner, CompletedAt: now},
			Points: []models.PointsEntry{
				{ID: uuid.NewString(), BattleID: b.ID, UserAddress: "0xa", Delta: 10, Reason: models.PointsReasonParticipation, CreatedAt: now},
				{ID: uuid.NewString(), BattleID: b.ID, UserAddress: "0xb", Delta: 10, Reason: models.PointsReasonParticipation, CreatedAt: now.Add(time.Second)},
				{ID: uuid.NewString(), BattleID: b.ID, UserAddress: "0xb", Delta: 100, Reason: models.PointsReasonWinner, CreatedAt: now.Add(time.Second)},
				{ID: uuid.NewString(), BattleID: b.ID, UserAddress: "0xc", Delta: 10, Reason: models.PointsReasonParticipation, CreatedAt: now.Add(-time.Second)},
			},
			Payout: models.Payout{BattleID: b.ID, Status: models.PayoutStatusSkipped},
		}
		if err := repo.RecordSettlement(ctx, rec); err != nil {
			t.Fatalf("record settlement: %v", err)
		}
		again := *rec
		again.History.ID = uuid.NewString()
		if err := repo.RecordSettlement(ctx, &again); !errors.Is(err, ErrDuplicate) {
			t.Errorf("second settlement: got %v, want ErrDuplicate", err)
		}

		rows, err := repo.Leaderboard(ctx, 10)
		if err != nil {
			t.Fatalf("leaderboard: %v", err)
		}
		want := []string{"0xb", "0xc", "0xa"}
		if len(rows) != len(want) {
			t.Fatalf("leaderboard rows = %+v", rows)
		}
		for i, addr := range want {
			if rows[i].UserAddress != addr || rows[i].Rank != i+1 {
				t.Errorf("row %d = %+v, want %s", i, rows[i], addr)
			}
		}
		if rows[0].TotalPoints != 110 {
			t.Errorf("winner total = %d, want 110", rows[0].TotalPoints)
		}

		me, err := repo.UserPoints(ctx, "0xa")
		if err != nil {
			t.Fatalf("user points: %v", err)
		}
		if me.TotalPoints != 10 || me.Rank != 3 {
			t.Errorf("user points = %+v", me)
		}
		if _, err := repo.UserPoints(ctx, "0xnobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown user: got %v", err)
		}
	})

	t.Run("accrual ties within a second fall back to address", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		rec := &SettlementRecord{
			History: models.BattleHistory{ID: uuid.NewString(), BattleID: "tie", CompletedAt: base},
			Points: []models.PointsEntry{
				{ID: uuid.NewString(), BattleID: "tie", UserAddress: "0xz", Delta: 10, Reason: models.PointsReasonParticipation, CreatedAt: base.Add(100 * time.Millisecond)},
				{ID: uuid.NewString(), BattleID: "tie", UserAddress: "0xa", Delta: 10, Reason: models.PointsReasonParticipation, CreatedAt: base.Add(900 * time.Millisecond)},
			},
			Payout: models.Payout{BattleID: "tie", Status: models.PayoutStatusSkipped},
		}
		if err := repo.RecordSettlement(ctx, rec); err != nil {
			t.Fatalf("record settlement: %v", err)
		}

		rows, err := repo.Leaderboard(ctx, 10)
		if err != nil {
			t.Fatalf("leaderboard: %v", err)
		}
		if len(rows) != 2 || rows[0].UserAddress != "0xa" || rows[1].UserAddress != "0xz" {
			t.Errorf("leaderboard = %+v, want 0xa before 0xz", rows)
		}
		if !rows[0].FirstAccruedAt.Equal(base) {
			t.Errorf("first accrual = %s, want %s", rows[0].FirstAccruedAt, base)
		}
		me, err := repo.UserPoints(ctx, "0xz")
		if err != nil || me.Rank != 2 {
			t.Errorf("user points = %+v, %v", me, err)
		}
	})
}
