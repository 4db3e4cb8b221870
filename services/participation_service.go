package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"battle-orchestrator/apperrors"
	"battle-orchestrator/clients"
	"battle-orchestrator/config"
	"battle-orchestrator/models"
	"battle-orchestrator/observability"
	"battle-orchestrator/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type JoinOutcome string

const (
	JoinOutcomeJoined             JoinOutcome = "joined"
	JoinOutcomeAlreadyJoined      JoinOutcome = "already_joined"
	JoinOutcomeNoActiveBattle     JoinOutcome = "no_active_battle"
	JoinOutcomeBattleFull         JoinOutcome = "battle_full"
	JoinOutcomePaymentRequired    JoinOutcome = "payment_required"
	JoinOutcomeInvalidAddress     JoinOutcome = "invalid_address"
	JoinOutcomePersistenceError   JoinOutcome = "persistence_error"
	JoinOutcomeInvariantViolation JoinOutcome = "invariant_violation"
)

type JoinRequest struct {
	UserAddress string `json:"user_address"`
	EntryTxRef  string `json:"entry_tx_ref,omitempty"`
}

// JoinResult is returned for every join attempt; failures are carried in
// Outcome and Err rather than returned as errors.
type JoinResult struct {
	Success bool           `json:"success"`
	Outcome JoinOutcome    `json:"outcome"`
	Battle  *models.Battle `json:"battle,omitempty"`
	Err     error          `json:"-"`
}

type SubmitOutcome string

const (
	SubmitOutcomeSubmitted        SubmitOutcome = "submitted"
	SubmitOutcomeInvalidAddress   SubmitOutcome = "invalid_address"
	SubmitOutcomeInvalid          SubmitOutcome = "invalid_submission"
	SubmitOutcomeNoActiveBattle   SubmitOutcome = "no_active_battle"
	SubmitOutcomeNotParticipant   SubmitOutcome = "not_participant"
	SubmitOutcomePersistenceError SubmitOutcome = "persistence_error"
)

type SubmitRequest struct {
	UserAddress string `json:"user_address"`
	BattleID    string `json:"battle_id"`
	Side        string `json:"side"`
	Content     string `json:"content"`
}

type SubmitResult struct {
	Success    bool               `json:"success"`
	Outcome    SubmitOutcome      `json:"outcome"`
	Submission *models.Submission `json:"submission,omitempty"`
	Err        error              `json:"-"`
}

const maxSideLength = 64

type ParticipationService struct {
	repo    repository.BattleRepository
	battles *BattleService
	ledger  clients.LedgerClient
	cfg     config.SettlementConfig
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewParticipationService(
	repo repository.BattleRepository,
	battles *BattleService,
	ledger clients.LedgerClient,
	cfg config.SettlementConfig,
	metrics *observability.Metrics,
) *ParticipationService {
	if metrics == nil {
		metrics = observability.DefaultMetrics()
	}
	return &ParticipationService{
		repo:    repo,
		battles: battles,
		ledger:  ledger,
		cfg:     cfg,
		metrics: metrics,
		logger:  observability.NewLogger("participation"),
		now:     time.Now,
	}
}

func (s *ParticipationService) joinResult(outcome JoinOutcome, battle *models.Battle, err error) JoinResult {
	s.metrics.Joins.WithLabelValues(string(outcome)).Inc()
	success := outcome == JoinOutcomeJoined || outcome == JoinOutcomeAlreadyJoined
	return JoinResult{Success: success, Outcome: outcome, Battle: battle, Err: err}
}

// activeBattle returns the open battle if it still accepts joins and submissions.
func (s *ParticipationService) activeBattle(ctx context.Context) (*models.Battle, error) {
	b, err := s.battles.GetCurrentBattle(ctx)
	if err != nil {
		return nil, err
	}
	if b == nil || b.Status != models.BattleStatusActive || b.IsExpired(s.now()) {
		return nil, apperrors.NewNoActiveBattleError()
	}
	return b, nil
}

func joinOutcomeFor(err error) JoinOutcome {
	switch {
	case apperrors.Is(err, apperrors.TypeNoActiveBattle):
		return JoinOutcomeNoActiveBattle
	case apperrors.Is(err, apperrors.TypeInvariantViolation):
		return JoinOutcomeInvariantViolation
	default:
		return JoinOutcomePersistenceError
	}
}

// Join admits a user to the active battle. Joining twice is a success.
// Fee-bearing battles require EntryTxRef, which is stored as given; payment is
// confirmed by the caller through the ledger before joining.
func (s *ParticipationService) Join(ctx context.Context, req JoinRequest) JoinResult {
	addr := models.NormalizeAddress(req.UserAddress)
	if addr == "" {
		return s.joinResult(JoinOutcomeInvalidAddress, nil,
			apperrors.NewValidationError("INVALID_ADDRESS", "user address is required"))
	}

	b, err := s.activeBattle(ctx)
	if err != nil {
		return s.joinResult(joinOutcomeFor(err), nil, err)
	}

	entryRef := strings.TrimSpace(req.EntryTxRef)
	if b.HasEntryFee() && entryRef == "" {
		joined, err := s.repo.IsParticipant(ctx, b.ID, addr)
		if err != nil {
			return s.joinResult(JoinOutcomePersistenceError, b,
				apperrors.NewPersistenceError("PARTICIPANT_LOOKUP_FAILED", "failed to check participation", err))
		}
		if joined {
			return s.joinResult(JoinOutcomeAlreadyJoined, b, nil)
		}
		return s.joinResult(JoinOutcomePaymentRequired, b, apperrors.NewPaymentRequiredError(b.ID))
	}

	p := &models.Participant{
		ID:          uuid.NewString(),
		BattleID:    b.ID,
		UserAddress: addr,
		EntryTxRef:  entryRef,
		JoinedAt:    s.now().UTC(),
	}
	err = s.repo.AddParticipant(ctx, p)
	switch {
	case err == nil:
		b.ParticipantsCount++
		s.logger.Info().Str("battle_id", b.ID).Str("user_address", addr).Msg("participant joined")
		return s.joinResult(JoinOutcomeJoined, b, nil)
	case errors.Is(err, repository.ErrDuplicate):
		return s.joinResult(JoinOutcomeAlreadyJoined, b, nil)
	case errors.Is(err, repository.ErrBattleFull):
		return s.joinResult(JoinOutcomeBattleFull, b, apperrors.NewBattleFullError(b.ID, b.MaxParticipants))
	case errors.Is(err, repository.ErrBattleNotActive), errors.Is(err, repository.ErrNotFound):
		return s.joinResult(JoinOutcomeNoActiveBattle, nil, apperrors.NewNoActiveBattleError())
	default:
		s.logger.Error().Err(err).Str("battle_id", b.ID).Str("user_address", addr).Msg("failed to record participant")
		return s.joinResult(JoinOutcomePersistenceError, b,
			apperrors.NewPersistenceError("PARTICIPANT_INSERT_FAILED", "failed to record participant", err))
	}
}

// JoinWithEntry collects the entry fee through the ledger on the user's behalf
// and then joins with the resulting transaction reference.
func (s *ParticipationService) JoinWithEntry(ctx context.Context, userAddress string) JoinResult {
	addr := models.NormalizeAddress(userAddress)
	if addr == "" {
		return s.joinResult(JoinOutcomeInvalidAddress, nil,
			apperrors.NewValidationError("INVALID_ADDRESS", "user address is required"))
	}

	b, err := s.activeBattle(ctx)
	if err != nil {
		return s.joinResult(joinOutcomeFor(err), nil, err)
	}
	if !b.HasEntryFee() {
		return s.Join(ctx, JoinRequest{UserAddress: addr})
	}

	joined, err := s.repo.IsParticipant(ctx, b.ID, addr)
	if err != nil {
		return s.joinResult(JoinOutcomePersistenceError, b,
			apperrors.NewPersistenceError("PARTICIPANT_LOOKUP_FAILED", "failed to check participation", err))
	}
	if joined {
		return s.joinResult(JoinOutcomeAlreadyJoined, b, nil)
	}
	if b.IsFull(b.ParticipantsCount) {
		return s.joinResult(JoinOutcomeBattleFull, b, apperrors.NewBattleFullError(b.ID, b.MaxParticipants))
	}
	if s.ledger == nil {
		return s.joinResult(JoinOutcomePaymentRequired, b,
			apperrors.NewConfigurationError("LEDGER_MISSING", "entry collection requires a ledger client"))
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
	start := time.Now()
	txRef, err := s.ledger.CollectEntry(callCtx, b.ID, addr, *b.EntryFee)
	cancel()
	s.metrics.LedgerLatency.WithLabelValues("collect_entry").Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.LedgerCalls.WithLabelValues("collect_entry", "error").Inc()
		s.logger.Warn().Err(err).Str("battle_id", b.ID).Str("user_address", addr).Msg("entry collection failed")
		return s.joinResult(JoinOutcomePaymentRequired, b, err)
	}
	s.metrics.LedgerCalls.WithLabelValues("collect_entry", "ok").Inc()

	res := s.Join(ctx, JoinRequest{UserAddress: addr, EntryTxRef: txRef})
	if !res.Success {
		s.logger.Error().
			Str("battle_id", b.ID).
			Str("user_address", addr).
			Str("entry_tx_ref", txRef).
			Str("outcome", string(res.Outcome)).
			Bool("refund_required", true).
			Msg("entry collected but join failed")
	}
	return res
}

func (s *ParticipationService) submitResult(outcome SubmitOutcome, sub *models.Submission, err error) SubmitResult {
	return SubmitResult{Success: outcome == SubmitOutcomeSubmitted, Outcome: outcome, Submission: sub, Err: err}
}

// Submit appends a submission to an active battle the user has joined.
func (s *ParticipationService) Submit(ctx context.Context, req SubmitRequest) SubmitResult {
	addr := models.NormalizeAddress(req.UserAddress)
	if addr == "" {
		return s.submitResult(SubmitOutcomeInvalidAddress, nil,
			apperrors.NewValidationError("INVALID_ADDRESS", "user address is required"))
	}
	side := strings.TrimSpace(req.Side)
	content := strings.TrimSpace(req.Content)
	switch {
	case side == "" || content == "":
		return s.submitResult(SubmitOutcomeInvalid, nil,
			apperrors.NewValidationError("SUBMISSION_EMPTY", "side and content are required"))
	case utf8.RuneCountInString(side) > maxSideLength:
		return s.submitResult(SubmitOutcomeInvalid, nil,
			apperrors.NewValidationError("SIDE_TOO_LONG", "side is too long"))
	case utf8.RuneCountInString(content) > models.MaxSubmissionLength:
		return s.submitResult(SubmitOutcomeInvalid, nil,
			apperrors.NewValidationError("CONTENT_TOO_LONG", "content exceeds the submission limit"))
	}

	b, err := s.repo.GetBattle(ctx, req.BattleID)
	if errors.Is(err, repository.ErrNotFound) {
		return s.submitResult(SubmitOutcomeNoActiveBattle, nil, apperrors.NewNoActiveBattleError())
	}
	if err != nil {
		return s.submitResult(SubmitOutcomePersistenceError, nil,
			apperrors.NewPersistenceError("BATTLE_LOOKUP_FAILED", "failed to load battle", err))
	}
	now := s.now()
	if b.Status != models.BattleStatusActive || b.IsExpired(now) {
		return s.submitResult(SubmitOutcomeNoActiveBattle, nil, apperrors.NewNoActiveBattleError())
	}

	joined, err := s.repo.IsParticipant(ctx, b.ID, addr)
	if err != nil {
		return s.submitResult(SubmitOutcomePersistenceError, nil,
			apperrors.NewPersistenceError("PARTICIPANT_LOOKUP_FAILED", "failed to check participation", err))
	}
	if !joined {
		return s.submitResult(SubmitOutcomeNotParticipant, nil, apperrors.NewNotParticipantError(b.ID, addr))
	}

	sub := &models.Submission{
		ID:          uuid.NewString(),
		BattleID:    b.ID,
		UserAddress: addr,
		Side:        side,
		Content:     content,
		CreatedAt:   now.UTC(),
	}
	err = s.repo.AddSubmission(ctx, sub)
	switch {
	case err == nil:
		s.metrics.Submissions.Inc()
		return s.submitResult(SubmitOutcomeSubmitted, sub, nil)
	case errors.Is(err, repository.ErrBattleNotActive):
		return s.submitResult(SubmitOutcomeNoActiveBattle, nil, apperrors.NewNoActiveBattleError())
	default:
		s.logger.Error().Err(err).Str("battle_id", b.ID).Str("user_address", addr).Msg("failed to record submission")
		return s.submitResult(SubmitOutcomePersistenceError, nil,
			apperrors.NewPersistenceError("SUBMISSION_INSERT_FAILED", "failed to record submission", err))
	}
}

func (s *ParticipationService) ListParticipants(ctx context.Context, battleID string) ([]models.Participant, error) {
	if _, err := s.battles.GetBattle(ctx, battleID); err != nil {
		return nil, err
	}
	parts, err := s.repo.ListParticipants(ctx, battleID)
	if err != nil {
		return nil, apperrors.NewPersistenceError("PARTICIPANT_LOOKUP_FAILED", "failed to list participants", err)
	}
	return parts, nil
}

func (s *ParticipationService) ListSubmissions(ctx context.Context, battleID string) ([]models.Submission, error) {
	if _, err := s.battles.GetBattle(ctx, battleID); err != nil {
		return nil, err
	}
	subs, err := s.repo.ListSubmissions(ctx, battleID)
	if err != nil {
		return nil, apperrors.NewPersistenceError("SUBMISSION_LOOKUP_FAILED", "failed to list submissions", err)
	}
	return subs, nil
}
