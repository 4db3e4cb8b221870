package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"battle-orchestrator/models"

	"github.com/shopspring/decimal"
)

// MemoryRepository keeps everything in process memory. It enforces the same
// uniqueness rules as the SQL schema and is used for local runs and tests.
type MemoryRepository struct {
	mu          sync.Mutex
	battles     map[string]*models.Battle
	order       []string
	participant map[string][]models.Participant
	submissions map[string][]models.Submission
	history     map[string]models.BattleHistory
	points      []models.PointsEntry
	payouts     map[string]models.Payout
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		battles:     make(map[string]*models.Battle),
		participant: make(map[string][]models.Participant),
		submissions: make(map[string][]models.Submission),
		history:     make(map[string]models.BattleHistory),
		payouts:     make(map[string]models.Payout),
	}
}

func (m *MemoryRepository) CreateOpenBattle(_ context.Context, b *models.Battle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.battles {
		if existing.Status.IsOpen() {
			return ErrOpenBattleExists
		}
	}
	if _, ok := m.battles[b.ID]; ok {
		return ErrDuplicate
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	b.UpdatedAt = b.CreatedAt
	b.Status = models.BattleStatusActive
	stored := *b
	m.battles[b.ID] = &stored
	m.order = append(m.order, b.ID)
	return nil
}

// InsertBattle stores b verbatim, bypassing lifecycle checks. Tests use it to
// seed states the public API cannot reach.
func (m *MemoryRepository) InsertBattle(b models.Battle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.battles[b.ID] = &b
	m.order = append(m.order, b.ID)
}

func (m *MemoryRepository) ListOpenBattles(_ context.Context) ([]models.Battle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Battle
	for _, id := range m.order {
		if b := m.battles[id]; b.Status.IsOpen() {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *MemoryRepository) GetBattle(_ context.Context, id string) (*models.Battle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.battles[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *b
	return &copied, nil
}

func (m *MemoryRepository) TransitionStatus(_ context.Context, id string, from, to models.BattleStatus, reason string, at time.Time) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.battles[id]
	if !ok || b.Status != from {
		return false, nil
	}
	b.Status = to
	b.UpdatedAt = at
	if to == models.BattleStatusClosing {
		claimed := at
		b.ClaimedAt = &claimed
	}
	if to.IsTerminal() {
		completed := at
		b.CompletedAt = &completed
		if reason != "" {
			b.FailureReason = reason
		}
	}
	return true, nil
}

func (m *MemoryRepository) ClaimClosing(_ context.Context, id string, staleBefore, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.battles[id]
	if !ok || b.Status != models.BattleStatusClosing {
		return false, nil
	}
	if b.ClaimedAt != nil && !b.ClaimedAt.Before(staleBefore) {
		return false, nil
	}
	claimed := at
	b.ClaimedAt = &claimed
	return true, nil
}

func (m *MemoryRepository) ListStaleClosing(_ context.Context, staleBefore time.Time) ([]models.Battle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Battle
	for _, id := range m.order {
		b := m.battles[id]
		if b.Status == models.BattleStatusClosing && (b.ClaimedAt == nil || b.ClaimedAt.Before(staleBefore)) {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *MemoryRepository) UpdatePoolBalance(_ context.Context, id string, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.battles[id]
	if !ok {
		return ErrNotFound
	}
	b.PoolBalance = balance
	return nil
}

func (m *MemoryRepository) AddParticipant(_ context.Context, p *models.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.battles[p.BattleID]
	if !ok {
		return ErrNotFound
	}
	if b.Status != models.BattleStatusActive {
		return ErrBattleNotActive
	}
	for _, existing := range m.participant[p.BattleID] {
		if existing.UserAddress == p.UserAddress {
			return ErrDuplicate
		}
	}
	if b.IsFull(int64(len(m.participant[p.BattleID]))) {
		return ErrBattleFull
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	m.participant[p.BattleID] = append(m.participant[p.BattleID], *p)
	return nil
}

func (m *MemoryRepository) IsParticipant(_ context.Context, battleID, userAddress string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.participant[battleID] {
		if p.UserAddress == userAddress {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepository) ListParticipants(_ context.Context, battleID string) ([]models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Participant(nil), m.participant[battleID]...), nil
}

func (m *MemoryRepository) CountParticipants(_ context.Context, battleID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.participant[battleID])), nil
}

func (m *MemoryRepository) AddSubmission(_ context.Context, s *models.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.battles[s.BattleID]
	if !ok {
		return ErrNotFound
	}
	if b.Status != models.BattleStatusActive {
		return ErrBattleNotActive
	}
	m.submissions[s.BattleID] = append(m.submissions[s.BattleID], *s)
	return nil
}

func (m *MemoryRepository) ListSubmissions(_ context.Context, battleID string) ([]models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := append([]models.Submission(nil), m.submissions[battleID]...)
	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs, nil
}

func (m *MemoryRepository) GetHistory(_ context.Context, battleID string) (*models.BattleHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.history[battleID]
	if !ok {
		return nil, ErrNotFound
	}
	return &h, nil
}

func (m *MemoryRepository) ListHistory(_ context.Context, limit int) ([]models.BattleHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make([]models.BattleHistory, 0, len(m.history))
	for _, h := range m.history {
		rows = append(rows, h)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].CompletedAt.After(rows[j].CompletedAt)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *MemoryRepository) RecordSettlement(_ context.Context, rec *SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.history[rec.History.BattleID]; ok {
		return ErrDuplicate
	}
	seen := make(map[string]bool)
	for _, p := range m.points {
		seen[p.BattleID+"|"+p.UserAddress+"|"+string(p.Reason)] = true
	}
	for _, p := range rec.Points {
		key := p.BattleID + "|" + p.UserAddress + "|" + string(p.Reason)
		if seen[key] {
			return ErrDuplicate
		}
		seen[key] = true
	}
	if _, ok := m.payouts[rec.Payout.BattleID]; ok {
		return ErrDuplicate
	}

	m.history[rec.History.BattleID] = rec.History
	m.points = append(m.points, rec.Points...)
	m.payouts[rec.Payout.BattleID] = rec.Payout
	return nil
}

func (m *MemoryRepository) GetPayout(_ context.Context, battleID string) (*models.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payouts[battleID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) UpdatePayout(_ context.Context, p *models.Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payouts[p.BattleID] = *p
	return nil
}

func (m *MemoryRepository) aggregate() []models.LeaderboardRow {
	byUser := make(map[string]*models.LeaderboardRow)
	for _, p := range m.points {
		at := p.CreatedAt.Truncate(time.Second)
		row, ok := byUser[p.UserAddress]
		if !ok {
			row = &models.LeaderboardRow{UserAddress: p.UserAddress, FirstAccruedAt: at}
			byUser[p.UserAddress] = row
		}
		row.TotalPoints += p.Delta
		if at.Before(row.FirstAccruedAt) {
			row.FirstAccruedAt = at
		}
	}
	rows := make([]models.LeaderboardRow, 0, len(byUser))
	for _, row := range byUser {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalPoints != rows[j].TotalPoints {
			return rows[i].TotalPoints > rows[j].TotalPoints
		}
		if !rows[i].FirstAccruedAt.Equal(rows[j].FirstAccruedAt) {
			return rows[i].FirstAccruedAt.Before(rows[j].FirstAccruedAt)
		}
		return rows[i].UserAddress < rows[j].UserAddress
	})
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows
}

func (m *MemoryRepository) Leaderboard(_ context.Context, limit int) ([]models.LeaderboardRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.aggregate()
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *MemoryRepository) UserPoints(_ context.Context, userAddress string) (*models.LeaderboardRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.aggregate() {
		if row.UserAddress == userAddress {
			return &row, nil
		}
	}
	return nil, ErrNotFound
}

// PointsEntries returns a copy of every credit, for assertions.
func (m *MemoryRepository) PointsEntries() []models.PointsEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PointsEntry(nil), m.points...)
}

// HistoryCount returns the number of history rows, for assertions.
func (m *MemoryRepository) HistoryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}
