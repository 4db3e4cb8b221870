package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"battle-orchestrator/models"

	"github.com/redis/go-redis/v9"
)

const (
	leaderboardKey = "battles:leaderboard"
	warmKey        = "battles:leaderboard:warm"

	// totalScale separates the point total from the accrual timestamp in a
	// sorted-set score. Unix seconds stay below it until year 2286.
	totalScale = 1e10
)

// EncodeScore packs a total and its first accrual time into one score so an
// ascending ZRANGE yields: total desc, first accrual asc, then member asc.
// Exact while total*1e10 fits in float64 precision (about 900k points).
// The accrual keeps whole seconds only; the repositories truncate the same
// way, so users tied within one second are ordered by address in both.
func EncodeScore(total int64, firstAccrued time.Time) float64 {
	return float64(firstAccrued.Unix()) - float64(total)*totalScale
}

// DecodeScore reverses EncodeScore.
func DecodeScore(score float64) (int64, time.Time) {
	total := -int64(math.Floor(score / totalScale))
	unix := int64(score + float64(total)*totalScale)
	return total, time.Unix(unix, 0).UTC()
}

// LeaderboardCache is a Redis sorted-set mirror of the points ledger. The
// database stays authoritative; every write sets an absolute score so replays
// are harmless.
type LeaderboardCache struct {
	client *redis.Client
}

func NewLeaderboardCache(addr, password string, db int) *LeaderboardCache {
	return &LeaderboardCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Ping checks connectivity.
func (c *LeaderboardCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *LeaderboardCache) Close() error {
	return c.client.Close()
}

// Replace rebuilds the sorted set from rows and marks the cache warm.
func (c *LeaderboardCache) Replace(ctx context.Context, rows []models.LeaderboardRow) error {
	tmpKey := fmt.Sprintf("%s:rebuild:%d", leaderboardKey, time.Now().UnixNano())

	pipe := c.client.TxPipeline()
	for _, batch := range chunk(rows, 500) {
		members := make([]redis.Z, 0, len(batch))
		for _, row := range batch {
			members = append(members, redis.Z{
				Score:  EncodeScore(row.TotalPoints, row.FirstAccruedAt),
				Member: row.UserAddress,
			})
		}
		pipe.ZAdd(ctx, tmpKey, members...)
	}
	if len(rows) > 0 {
		pipe.Rename(ctx, tmpKey, leaderboardKey)
	} else {
		pipe.Del(ctx, leaderboardKey)
	}
	pipe.Set(ctx, warmKey, "1", 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to rebuild leaderboard cache: %w", err)
	}
	return nil
}

// Upsert writes the current totals of the given users.
func (c *LeaderboardCache) Upsert(ctx context.Context, rows []models.LeaderboardRow) error {
	if len(rows) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(rows))
	for _, row := range rows {
		members = append(members, redis.Z{
			Score:  EncodeScore(row.TotalPoints, row.FirstAccruedAt),
			Member: row.UserAddress,
		})
	}
	return c.client.ZAdd(ctx, leaderboardKey, members...).Err()
}

// Invalidate drops the warm marker so readers fall back to the database
// until the next Replace.
func (c *LeaderboardCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, warmKey).Err()
}

// Top returns the first limit rows. ok is false when the cache has not been
// warmed, in which case callers read the database.
func (c *LeaderboardCache) Top(ctx context.Context, limit int) (rows []models.LeaderboardRow, ok bool, err error) {
	warm, err := c.client.Exists(ctx, warmKey).Result()
	if err != nil {
		return nil, false, err
	}
	if warm == 0 {
		return nil, false, nil
	}

	entries, err := c.client.ZRangeWithScores(ctx, leaderboardKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, false, err
	}
	rows = make([]models.LeaderboardRow, 0, len(entries))
	for i, z := range entries {
		member, _ := z.Member.(string)
		total, first := DecodeScore(z.Score)
		rows = append(rows, models.LeaderboardRow{
			Rank:           i + 1,
			UserAddress:    member,
			TotalPoints:    total,
			FirstAccruedAt: first,
		})
	}
	return rows, true, nil
}

// UserPoints returns a single user's cached standing.
func (c *LeaderboardCache) UserPoints(ctx context.Context, userAddress string) (*models.LeaderboardRow, bool, error) {
	warm, err := c.client.Exists(ctx, warmKey).Result()
	if err != nil || warm == 0 {
		return nil, false, err
	}
	score, err := c.client.ZScore(ctx, leaderboardKey, userAddress).Result()
	if errors.Is(err, redis.Nil) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	rank, err := c.client.ZRank(ctx, leaderboardKey, userAddress).Result()
	if err != nil {
		return nil, false, err
	}
	total, first := DecodeScore(score)
	return &models.LeaderboardRow{
		Rank:           int(rank) + 1,
		UserAddress:    userAddress,
		TotalPoints:    total,
		FirstAccruedAt: first,
	}, true, nil
}

func chunk(rows []models.LeaderboardRow, size int) [][]models.LeaderboardRow {
	var out [][]models.LeaderboardRow
	for size < len(rows) {
		rows, out = rows[size:], append(out, rows[:size])
	}
	if len(rows) > 0 {
		out = append(out, rows)
	}
	return out
}
