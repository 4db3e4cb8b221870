package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"battle-orchestrator/apperrors"
	"battle-orchestrator/clients"
	"battle-orchestrator/config"
	"battle-orchestrator/events"
	"battle-orchestrator/models"
	"battle-orchestrator/observability"
	"battle-orchestrator/repository"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
)

// ErrBattleAlreadyOpen reports that creation lost to an existing open battle.
// The scheduler treats it as a normal outcome.
var ErrBattleAlreadyOpen = errors.New("an open battle already exists")

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type BattleService struct {
	repo    repository.BattleRepository
	topics  clients.TopicProvider
	cfg     config.SettlementConfig
	events  events.Publisher
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewBattleService(
	repo repository.BattleRepository,
	topics clients.TopicProvider,
	cfg config.SettlementConfig,
	publisher events.Publisher,
	metrics *observability.Metrics,
) *BattleService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if metrics == nil {
		metrics = observability.DefaultMetrics()
	}
	return &BattleService{
		repo:    repo,
		topics:  topics,
		cfg:     cfg,
		events:  publisher,
		metrics: metrics,
		logger:  observability.NewLogger("battle"),
		now:     time.Now,
	}
}

// CreateBattle fetches a topic and opens a new battle. Creation is a single
// atomic write; on any failure nothing is left behind.
func (s *BattleService) CreateBattle(ctx context.Context) (*models.Battle, error) {
	if s.topics == nil {
		return nil, apperrors.NewConfigurationError("TOPIC_PROVIDER_MISSING", "no topic provider configured")
	}
	topic, err := s.topics.GetTopic(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch topic: %w", err)
	}
	title := strings.TrimSpace(topic.Title)
	if title == "" {
		return nil, apperrors.NewValidationError("TOPIC_EMPTY", "topic provider returned a blank title")
	}

	var metadata datatypes.JSON
	if len(topic.Metadata) > 0 {
		raw, err := json.Marshal(topic.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode topic metadata: %w", err)
		}
		metadata = datatypes.JSON(raw)
	}

	now := s.now().UTC()
	b := &models.Battle{
		ID:              uuid.NewString(),
		Slug:            slug.Make(title),
		Title:           title,
		TopicSource:     topic.Source,
		TopicMetadata:   metadata,
		StartTime:       now,
		EndTime:         now.Add(s.cfg.BattleDuration()),
		MaxParticipants: s.cfg.MaxParticipants,
		CreatedAt:       now,
	}
	if s.cfg.EntryFee.IsPositive() {
		fee := s.cfg.EntryFee
		b.EntryFee = &fee
	}

	if err := s.repo.CreateOpenBattle(ctx, b); err != nil {
		if errors.Is(err, repository.ErrOpenBattleExists) {
			return nil, ErrBattleAlreadyOpen
		}
		return nil, apperrors.NewPersistenceError("BATTLE_CREATE_FAILED", "failed to create battle", err)
	}

	s.metrics.BattlesCreated.Inc()
	s.logger.Info().
		Str("battle_id", b.ID).
		Str("title", b.Title).
		Time("end_time", b.EndTime).
		Msg("battle created")

	if err := s.events.Publish(ctx, events.Event{
		Type:       events.BattleCreated,
		BattleID:   b.ID,
		Title:      b.Title,
		Status:     string(b.Status),
		OccurredAt: now,
	}); err != nil {
		s.logger.Warn().Err(err).Str("battle_id", b.ID).Msg("failed to publish battle.created")
	}
	return b, nil
}

// GetCurrentBattle returns the single open battle, or nil when there is none.
// More than one open battle is a defect and is reported, never resolved here.
func (s *BattleService) GetCurrentBattle(ctx context.Context) (*models.Battle, error) {
	open, err := s.repo.ListOpenBattles(ctx)
	if err != nil {
		return nil, apperrors.NewPersistenceError("BATTLE_LOOKUP_FAILED", "failed to load open battles", err)
	}
	switch len(open) {
	case 0:
		return nil, nil
	case 1:
	default:
		ids := make([]string, 0, len(open))
		for _, b := range open {
			ids = append(ids, b.ID)
		}
		s.metrics.InvariantDefects.Inc()
		s.logger.Error().
			Bool("defect", true).
			Strs("battle_ids", ids).
			Msg("more than one open battle")
		return nil, apperrors.NewInvariantViolation("MULTIPLE_OPEN_BATTLES",
			fmt.Sprintf("%d battles are open at once", len(open)))
	}

	b := open[0]
	count, err := s.repo.CountParticipants(ctx, b.ID)
	if err != nil {
		return nil, apperrors.NewPersistenceError("PARTICIPANT_COUNT_FAILED", "failed to count participants", err)
	}
	b.ParticipantsCount = count
	return &b, nil
}

func (s *BattleService) GetBattle(ctx context.Context, id string) (*models.Battle, error) {
	b, err := s.repo.GetBattle(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewNotFoundError("BATTLE_NOT_FOUND", "battle "+id+" not found")
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError("BATTLE_LOOKUP_FAILED", "failed to load battle", err)
	}
	return b, nil
}

// ListHistory returns completed battle summaries, newest first.
func (s *BattleService) ListHistory(ctx context.Context, limit int) ([]models.BattleHistory, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	rows, err := s.repo.ListHistory(ctx, limit)
	if err != nil {
		return nil, apperrors.NewPersistenceError("HISTORY_LOOKUP_FAILED", "failed to load battle history", err)
	}
	return rows, nil
}
