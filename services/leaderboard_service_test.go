package services

import (
	"context"
	"testing"
	"time"

	"battle-orchestrator/models"
	"battle-orchestrator/repository"
)

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultLeaderboardLimit},
		{-5, DefaultLeaderboardLimit},
		{25, 25},
		{1000, MaxLeaderboardLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func seededRepo(t *testing.T) *repository.MemoryRepository {
	t.Helper()
	repo := repository.NewMemoryRepository()
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	err := repo.RecordSettlement(context.Background(), &repository.SettlementRecord{
		History: models.BattleHistory{ID: "h1", BattleID: "b1", Title: "t", CompletedAt: at},
		Points: []models.PointsEntry{
			{ID: "p1", UserAddress: "0xa", Delta: 10, Reason: models.PointsReasonParticipation, BattleID: "b1", CreatedAt: at},
			{ID: "p2", UserAddress: "0xb", Delta: 10, Reason: models.PointsReasonParticipation, BattleID: "b1", CreatedAt: at},
			{ID: "p3", UserAddress: "0xb", Delta: 100, Reason: models.PointsReasonWinner, BattleID: "b1", CreatedAt: at},
		},
		Payout: models.Payout{BattleID: "b1", Status: models.PayoutStatusSkipped},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return repo
}

func TestLeaderboardFallsBackToDatabase(t *testing.T) {
	tests := []struct {
		name  string
		cache *fakeCache
	}{
		{"no cache", nil},
		{"cold cache", &fakeCache{}},
		{"cache error", &fakeCache{warm: true, err: errCacheDown}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cache LeaderboardCache
			if tt.cache != nil {
				cache = tt.cache
			}
			svc := NewLeaderboardService(seededRepo(t), cache)

			rows, err := svc.Top(context.Background(), 0)
			if err != nil {
				t.Fatalf("Top: %v", err)
			}
			if len(rows) != 2 || rows[0].UserAddress != "0xb" || rows[0].TotalPoints != 110 {
				t.Errorf("rows = %+v", rows)
			}
			row, err := svc.UserPoints(context.Background(), "0xA")
			if err != nil || row.TotalPoints != 10 {
				t.Errorf("UserPoints = %+v, %v", row, err)
			}
		})
	}
}

func TestLeaderboardServedFromWarmCache(t *testing.T) {
	cache := &fakeCache{}
	svc := NewLeaderboardService(seededRepo(t), cache)
	if err := svc.Warm(context.Background()); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	cache.rows = append(cache.rows, models.LeaderboardRow{UserAddress: "0xcached", TotalPoints: 1, Rank: 3})

	rows, err := svc.Top(context.Background(), 10)
	if err != nil || len(rows) != 3 {
		t.Fatalf("rows = %+v, %v", rows, err)
	}
	row, err := svc.UserPoints(context.Background(), "0xcached")
	if err != nil || row.TotalPoints != 1 {
		t.Errorf("cached user = %+v, %v", row, err)
	}
}

func TestLeaderboardRefreshWritesTotals(t *testing.T) {
	cache := &fakeCache{}
	svc := NewLeaderboardService(seededRepo(t), cache)

	svc.Refresh(context.Background(), []string{"0xb", "0xmissing"})
	if len(cache.upserts) != 1 || cache.upserts[0].UserAddress != "0xb" || cache.upserts[0].TotalPoints != 110 {
		t.Errorf("upserts = %+v", cache.upserts)
	}
}

func TestLeaderboardFailedWriteFallsBackUntilRebuilt(t *testing.T) {
	ctx := context.Background()
	cache := &fakeCache{warm: true, rows: []models.LeaderboardRow{{Rank: 1, UserAddress: "0xstale", TotalPoints: 1}}}
	cache.upsertErr = errCacheDown
	svc := NewLeaderboardService(seededRepo(t), cache)

	svc.Refresh(ctx, []string{"0xb"})
	if cache.invalidated != 1 {
		t.Fatalf("invalidated = %d, want 1", cache.invalidated)
	}
	rows, err := svc.Top(ctx, 10)
	if err != nil || len(rows) != 2 || rows[0].UserAddress != "0xb" {
		t.Errorf("after failed write rows = %+v, %v", rows, err)
	}

	cache.upsertErr = nil
	svc.Refresh(ctx, nil)
	if cache.replaced != 1 || !cache.warm {
		t.Fatalf("expected a rebuild: replaced=%d warm=%v", cache.replaced, cache.warm)
	}
	rows, _ = svc.Top(ctx, 10)
	if len(rows) != 2 || rows[0].TotalPoints != 110 {
		t.Errorf("rebuilt cache rows = %+v", rows)
	}
}
