package services

import (
	"context"
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
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	reasonMissingTopic = "missing topic on closing battle"
	reasonNoLedger     = "ledger client not configured"
)

// ErrSettlementInterrupted is returned when the caller stops a settlement
// between ledger attempts. The battle stays CLOSING with its payout pending
// and the next claim resumes it with the remaining attempts.
var ErrSettlementInterrupted = errors.New("settlement interrupted")

// ReceiptArchiver stores a settlement receipt and returns where it lives.
type ReceiptArchiver interface {
	ArchiveReceipt(ctx context.Context, battleID string, receipt interface{}) (string, error)
}

// SettlementReceipt is the archived record of a finished battle.
type SettlementReceipt struct {
	Battle    models.Battle        `json:"battle"`
	History   models.BattleHistory `json:"history"`
	Payout    models.Payout        `json:"payout"`
	SettledAt time.Time            `json:"settled_at"`
}

type SettlementService struct {
	repo        repository.BattleRepository
	ledger      clients.LedgerClient
	selector    WinnerSelector
	leaderboard *LeaderboardService
	cfg         config.SettlementConfig
	events      events.Publisher
	archive     ReceiptArchiver
	metrics     *observability.Metrics
	logger      zerolog.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewSettlementService wires the coordinator. ledger, leaderboard, publisher
// and archive may be nil.
func NewSettlementService(
	repo repository.BattleRepository,
	ledger clients.LedgerClient,
	selector WinnerSelector,
	leaderboard *LeaderboardService,
	cfg config.SettlementConfig,
	publisher events.Publisher,
	archive ReceiptArchiver,
	metrics *observability.Metrics,
) *SettlementService {
	if selector == nil {
		selector = NewWinnerSelector(cfg.WinnerPolicy)
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if metrics == nil {
		metrics = observability.DefaultMetrics()
	}
	return &SettlementService{
		repo:        repo,
		ledger:      ledger,
		selector:    selector,
		leaderboard: leaderboard,
		cfg:         cfg,
		events:      publisher,
		archive:     archive,
		metrics:     metrics,
		logger:      observability.NewLogger("settlement"),
		now:         time.Now,
		sleep:       sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Settle drives a CLOSING battle to a terminal status. Every step re-reads
// stored state, so a call after a crash resumes where the last one stopped
// and repeated calls credit points once.
//
// Store and ledger calls run detached from ctx so a shutdown never cuts a
// write short; cancelling ctx only stops further payout attempts.
func (s *SettlementService) Settle(ctx context.Context, battleID string) error {
	stop := ctx
	ctx = context.WithoutCancel(ctx)
	log := s.logger.With().Str("battle_id", battleID).Logger()

	b, err := s.repo.GetBattle(ctx, battleID)
	if err != nil {
		return apperrors.NewPersistenceError("BATTLE_LOOKUP_FAILED", "failed to load battle for settlement", err)
	}
	if b.Status.IsTerminal() {
		log.Debug().Str("status", string(b.Status)).Msg("battle already settled")
		return nil
	}
	if b.Status != models.BattleStatusClosing {
		return apperrors.NewValidationError("BATTLE_NOT_CLOSING",
			fmt.Sprintf("battle %s is %s, not CLOSING", battleID, b.Status))
	}

	if strings.TrimSpace(b.Title) == "" {
		log.Error().Msg("closing battle has no topic, failing it")
		return s.finish(ctx, b, nil, nil, reasonMissingTopic)
	}

	history, err := s.repo.GetHistory(ctx, battleID)
	if errors.Is(err, repository.ErrNotFound) {
		history, err = s.record(ctx, b)
	}
	if err != nil {
		return apperrors.NewPersistenceError("SETTLEMENT_RECORD_FAILED", "failed to record settlement", err)
	}
	// Every pass refreshes, including ones that found history already recorded.
	s.refreshLeaderboard(ctx, b.ID, history)

	payout, err := s.repo.GetPayout(ctx, battleID)
	if errors.Is(err, repository.ErrNotFound) {
		payout = s.initialPayout(b, history)
		err = s.repo.UpdatePayout(ctx, payout)
	}
	if err != nil {
		return apperrors.NewPersistenceError("PAYOUT_LOOKUP_FAILED", "failed to load payout", err)
	}

	if payout.Status == models.PayoutStatusPending {
		payout = s.reconcile(ctx, stop, b, payout, payout.Attempts > 0)
	}
	if payout.Status == models.PayoutStatusPending {
		log.Warn().Int("attempts", payout.Attempts).Msg("settlement interrupted, battle left CLOSING")
		return ErrSettlementInterrupted
	}

	reason := ""
	if payout.Status == models.PayoutStatusFailed {
		reason = "payout failed: " + payout.LastError
	}
	return s.finish(ctx, b, history, payout, reason)
}

// record computes the winner and commits points, history and the payout
// row in one transaction. A concurrent settler that committed first wins.
func (s *SettlementService) record(ctx context.Context, b *models.Battle) (*models.BattleHistory, error) {
	participants, err := s.repo.ListParticipants(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	submissions, err := s.repo.ListSubmissions(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	outcome := s.selector.Select(participants, submissions)

	now := s.now().UTC()
	history := models.BattleHistory{
		ID:                uuid.NewString(),
		BattleID:          b.ID,
		Title:             b.Title,
		TotalParticipants: outcome.TotalParticipants,
		TotalSubmissions:  outcome.TotalSubmissions,
		WinningSide:       outcome.WinningSide,
		CompletedAt:       now,
	}
	if outcome.HasWinner() {
		winner := outcome.WinnerAddress
		history.WinnerAddress = &winner
	}

	var points []models.PointsEntry
	if s.cfg.ParticipationPoints > 0 {
		for _, p := range participants {
			points = append(points, models.PointsEntry{
				ID:          uuid.NewString(),
				UserAddress: p.UserAddress,
				Delta:       s.cfg.ParticipationPoints,
				Reason:      models.PointsReasonParticipation,
				BattleID:    b.ID,
				CreatedAt:   now,
			})
		}
	}
	if outcome.HasWinner() && s.cfg.WinnerPoints > 0 {
		points = append(points, models.PointsEntry{
			ID:          uuid.NewString(),
			UserAddress: outcome.WinnerAddress,
			Delta:       s.cfg.WinnerPoints,
			Reason:      models.PointsReasonWinner,
			BattleID:    b.ID,
			CreatedAt:   now,
		})
	}

	rec := &repository.SettlementRecord{
		History: history,
		Points:  points,
		Payout:  *s.initialPayout(b, &history),
	}
	err = s.repo.RecordSettlement(ctx, rec)
	if errors.Is(err, repository.ErrDuplicate) {
		s.logger.Info().Str("battle_id", b.ID).Msg("settlement already recorded by another worker")
		return s.repo.GetHistory(ctx, b.ID)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("battle_id", b.ID).
		Str("winner", outcome.WinnerAddress).
		Str("winning_side", outcome.WinningSide).
		Int("participants", outcome.TotalParticipants).
		Int("submissions", outcome.TotalSubmissions).
		Msg("settlement recorded")
	return &rec.History, nil
}

// refreshLeaderboard pushes the totals of everyone the battle credited.
func (s *SettlementService) refreshLeaderboard(ctx context.Context, battleID string, history *models.BattleHistory) {
	if s.leaderboard == nil {
		return
	}
	participants, err := s.repo.ListParticipants(ctx, battleID)
	if err != nil {
		s.logger.Warn().Err(err).Str("battle_id", battleID).Msg("failed to list participants for leaderboard refresh")
		return
	}
	seen := make(map[string]bool, len(participants)+1)
	addrs := make([]string, 0, len(participants)+1)
	for _, p := range participants {
		if !seen[p.UserAddress] {
			seen[p.UserAddress] = true
			addrs = append(addrs, p.UserAddress)
		}
	}
	if history != nil && history.WinnerAddress != nil && !seen[*history.WinnerAddress] {
		addrs = append(addrs, *history.WinnerAddress)
	}
	s.leaderboard.Refresh(ctx, addrs)
}

func (s *SettlementService) initialPayout(b *models.Battle, h *models.BattleHistory) *models.Payout {
	p := &models.Payout{
		BattleID:  b.ID,
		Status:    models.PayoutStatusSkipped,
		UpdatedAt: s.now().UTC(),
	}
	if h != nil && h.WinnerAddress != nil {
		p.WinnerAddress = *h.WinnerAddress
	}
	if b.HasEntryFee() {
		p.Status = models.PayoutStatusPending
	}
	return p
}

// reconcile settles the pooled entry fees with the ledger. It runs outside any
// database transaction and returns the payout in its new state. When stop is
// cancelled between attempts the payout is saved still pending. triggered
// reports that an earlier pass already sent a payout request.
func (s *SettlementService) reconcile(ctx, stop context.Context, b *models.Battle, payout *models.Payout, triggered bool) *models.Payout {
	log := s.logger.With().Str("battle_id", b.ID).Logger()
	save := func() {
		payout.UpdatedAt = s.now().UTC()
		if err := s.repo.UpdatePayout(ctx, payout); err != nil {
			log.Error().Err(err).Str("payout_status", string(payout.Status)).Msg("failed to persist payout state")
		}
	}

	if !b.HasEntryFee() {
		payout.Status = models.PayoutStatusSkipped
		save()
		return payout
	}
	if payout.WinnerAddress == "" {
		// Pool stays in escrow for an operator refund.
		log.Info().Msg("no winner, payout skipped")
		payout.Status = models.PayoutStatusSkipped
		payout.LastError = "no winner"
		save()
		return payout
	}
	if s.ledger == nil {
		payout.Status = models.PayoutStatusFailed
		payout.LastError = reasonNoLedger
		save()
		return payout
	}

	var balance decimal.Decimal
	balanceAttempts := 0
	err := s.withRetry(ctx, stop, b.ID, "get_pool_balance", &balanceAttempts, func(callCtx context.Context) error {
		var err error
		balance, err = s.ledger.GetPoolBalance(callCtx, b.ID)
		return err
	}, nil)
	if errors.Is(err, ErrSettlementInterrupted) {
		save()
		return payout
	}
	if err != nil {
		payout.Status = models.PayoutStatusFailed
		payout.LastError = err.Error()
		save()
		return payout
	}
	if err := s.repo.UpdatePoolBalance(ctx, b.ID, balance); err != nil {
		log.Warn().Err(err).Msg("failed to mirror pool balance")
	}
	if !balance.IsPositive() && triggered {
		log.Warn().Msg("pool drained after an earlier payout request, treating payout as applied")
		payout.Status = models.PayoutStatusSucceeded
		payout.LastError = ""
		save()
		return payout
	}
	if !balance.IsPositive() {
		log.Info().Msg("empty pool, payout skipped")
		payout.Status = models.PayoutStatusSkipped
		payout.LastError = "empty pool"
		save()
		return payout
	}

	// After a failed attempt the ledger may still have paid (a timeout with
	// the transfer applied). A drained pool means it did; never pay twice.
	var txRef string
	failedOnce, settledByLedger := false, false
	err = s.withRetry(ctx, stop, b.ID, "trigger_payout", &payout.Attempts, func(callCtx context.Context) error {
		if failedOnce {
			remaining, err := s.ledger.GetPoolBalance(callCtx, b.ID)
			if err != nil {
				return err
			}
			if !remaining.IsPositive() {
				settledByLedger = true
				return nil
			}
		}
		var err error
		txRef, err = s.ledger.TriggerPayout(callCtx, b.ID, payout.WinnerAddress)
		return err
	}, func(err error) {
		failedOnce = true
		payout.LastError = err.Error()
		save()
	})
	if errors.Is(err, ErrSettlementInterrupted) {
		save()
		return payout
	}
	if err != nil {
		log.Error().Err(err).Int("attempts", payout.Attempts).Msg("payout failed")
		payout.Status = models.PayoutStatusFailed
		payout.LastError = err.Error()
		save()
		return payout
	}

	if settledByLedger {
		log.Warn().Int("attempts", payout.Attempts).Msg("pool drained after a failed payout attempt, treating payout as applied")
		if err := s.repo.UpdatePoolBalance(ctx, b.ID, decimal.Zero); err != nil {
			log.Warn().Err(err).Msg("failed to mirror pool balance")
		}
	}
	log.Info().Str("tx_ref", txRef).Str("amount", balance.String()).Msg("payout succeeded")
	payout.Status = models.PayoutStatusSucceeded
	payout.TxRef = txRef
	payout.Amount = balance
	payout.LastError = ""
	save()
	return payout
}

// withRetry runs fn with a per-attempt timeout and exponential backoff until
// *attempts reaches the configured budget. Permanent errors stop early.
// afterFailure runs after each failed attempt. Cancelling stop ends the loop
// between attempts with ErrSettlementInterrupted; it never fails the op.
func (s *SettlementService) withRetry(ctx, stop context.Context, battleID, op string, attempts *int, fn func(context.Context) error, afterFailure func(error)) error {
	var lastErr error
	for *attempts < s.cfg.PayoutMaxAttempts {
		if lastErr != nil {
			s.metrics.PayoutRetries.Inc()
			delay := s.cfg.PayoutBaseDelay * time.Duration(1<<uint(*attempts-1))
			if err := s.sleep(stop, delay); err != nil {
				return fmt.Errorf("%w: %s after %d attempts: %v", ErrSettlementInterrupted, op, *attempts, err)
			}
		}
		if stop.Err() != nil {
			return fmt.Errorf("%w: %s before attempt %d", ErrSettlementInterrupted, op, *attempts+1)
		}
		*attempts++

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
		start := time.Now()
		err := fn(callCtx)
		cancel()
		s.metrics.LedgerLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

		if err == nil {
			s.metrics.LedgerCalls.WithLabelValues(op, "ok").Inc()
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = apperrors.NewSettlementTransientError("LEDGER_TIMEOUT", op+" timed out", err)
		}
		s.metrics.LedgerCalls.WithLabelValues(op, "error").Inc()
		s.logger.Warn().
			Err(err).
			Str("battle_id", battleID).
			Str("op", op).
			Int("attempt", *attempts).
			Int("max_attempts", s.cfg.PayoutMaxAttempts).
			Msg("ledger call failed")
		if afterFailure != nil {
			afterFailure(err)
		}
		lastErr = err
		if !apperrors.Retryable(err) {
			return err
		}
	}
	if lastErr == nil {
		lastErr = apperrors.NewSettlementTransientError("PAYOUT_ATTEMPTS_EXHAUSTED", "no payout attempts left", nil)
	}
	return lastErr
}

// finish applies the terminal transition. A lost CAS means another worker
// already finished the battle.
func (s *SettlementService) finish(ctx context.Context, b *models.Battle, history *models.BattleHistory, payout *models.Payout, failure string) error {
	to, evtType := models.BattleStatusCompleted, events.BattleCompleted
	if failure != "" {
		to, evtType = models.BattleStatusFailed, events.BattleFailed
	}
	now := s.now().UTC()
	ok, err := s.repo.TransitionStatus(ctx, b.ID, models.BattleStatusClosing, to, failure, now)
	if err != nil {
		return apperrors.NewPersistenceError("BATTLE_TRANSITION_FAILED", "failed to finish battle", err)
	}
	if !ok {
		s.logger.Info().Str("battle_id", b.ID).Msg("battle finished by another worker")
		return nil
	}

	s.metrics.BattlesClosed.WithLabelValues(string(to)).Inc()
	logEvt := s.logger.Info()
	if to == models.BattleStatusFailed {
		logEvt = s.logger.Error()
	}
	logEvt.Str("battle_id", b.ID).Str("status", string(to)).Str("reason", failure).Msg("battle finished")

	evt := events.Event{
		Type:       evtType,
		BattleID:   b.ID,
		Title:      b.Title,
		Status:     string(to),
		Reason:     failure,
		OccurredAt: now,
	}
	if history != nil && history.WinnerAddress != nil {
		evt.WinnerAddress = *history.WinnerAddress
	}
	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Warn().Err(err).Str("battle_id", b.ID).Msg("failed to publish " + evtType)
	}

	if s.archive != nil && history != nil && payout != nil {
		b.Status = to
		b.FailureReason = failure
		b.CompletedAt = &now
		url, err := s.archive.ArchiveReceipt(ctx, b.ID, SettlementReceipt{
			Battle:    *b,
			History:   *history,
			Payout:    *payout,
			SettledAt: now,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("battle_id", b.ID).Msg("failed to archive settlement receipt")
		} else {
			s.logger.Info().Str("battle_id", b.ID).Str("receipt_url", url).Msg("settlement receipt archived")
		}
	}
	return nil
}

// RetryPayout re-runs ledger reconciliation for a FAILED battle with a fresh
// attempt budget. The battle itself stays FAILED; only the payout row moves.
// It runs to completion even if the operator's request goes away.
func (s *SettlementService) RetryPayout(ctx context.Context, battleID string) (*models.Payout, error) {
	ctx = context.WithoutCancel(ctx)
	b, err := s.repo.GetBattle(ctx, battleID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewNotFoundError("BATTLE_NOT_FOUND", "battle "+battleID+" not found")
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError("BATTLE_LOOKUP_FAILED", "failed to load battle", err)
	}
	if b.Status != models.BattleStatusFailed {
		return nil, apperrors.NewValidationError("PAYOUT_RETRY_NOT_ALLOWED",
			fmt.Sprintf("battle %s is %s; only FAILED battles can retry payout", battleID, b.Status))
	}

	payout, err := s.repo.GetPayout(ctx, battleID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewValidationError("PAYOUT_RETRY_NOT_ALLOWED", "battle "+battleID+" has no payout to retry")
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError("PAYOUT_LOOKUP_FAILED", "failed to load payout", err)
	}
	if payout.Status != models.PayoutStatusFailed {
		return nil, apperrors.NewValidationError("PAYOUT_RETRY_NOT_ALLOWED",
			fmt.Sprintf("payout for battle %s is %s", battleID, payout.Status))
	}

	s.logger.Info().Str("battle_id", battleID).Msg("operator payout retry")
	triggered := payout.Attempts > 0
	payout.Status = models.PayoutStatusPending
	payout.Attempts = 0
	payout = s.reconcile(ctx, ctx, b, payout, triggered)

	if payout.Status == models.PayoutStatusFailed {
		return payout, apperrors.NewSettlementTransientError("PAYOUT_RETRY_FAILED", "payout retry failed", errors.New(payout.LastError))
	}
	if payout.Status == models.PayoutStatusSucceeded {
		if err := s.events.Publish(ctx, events.Event{
			Type:       events.PayoutSucceeded,
			BattleID:   b.ID,
			Title:      b.Title,
			Status:     string(b.Status),
			OccurredAt: s.now().UTC(),
		}); err != nil {
			s.logger.Warn().Err(err).Str("battle_id", b.ID).Msg("failed to publish payout.succeeded")
		}
	}
	return payout, nil
}
