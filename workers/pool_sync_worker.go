// workers/pool_sync_worker.go
package workers

import (
	"context"
	"fmt"
	"time"

	"battle-orchestrator/clients"
	"battle-orchestrator/models"
	"battle-orchestrator/observability"
	"battle-orchestrator/repository"

	"github.com/rs/zerolog"
)

// PoolSyncWorker mirrors the escrow balance of the open fee-bearing battle
// into the store so GET /battles/current can show the prize pool without a
// ledger round trip. Settlement always re-reads the ledger itself.
type PoolSyncWorker struct {
	repo     repository.BattleRepository
	ledger   clients.LedgerClient
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewPoolSyncWorker(repo repository.BattleRepository, ledger clients.LedgerClient, interval, timeout time.Duration) *PoolSyncWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &PoolSyncWorker{
		repo:     repo,
		ledger:   ledger,
		interval: interval,
		timeout:  timeout,
		logger:   observability.NewLogger("pool_sync"),
	}
}

func (w *PoolSyncWorker) Start(ctx context.Context) {
	w.logger.Info().Dur("interval", w.interval).Msg("starting pool sync worker")
	go w.run(ctx)
}

func (w *PoolSyncWorker) run(ctx context.Context) {
	if err := w.SyncOnce(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("initial pool sync failed")
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("pool sync worker stopped")
			return
		case <-ticker.C:
			if err := w.SyncOnce(ctx); err != nil {
				// Keep the last mirrored value and retry next tick.
				w.logger.Warn().Err(err).Msg("pool sync failed")
			}
		}
	}
}

// SyncOnce copies the ledger balance of every open battle with an entry fee.
func (w *PoolSyncWorker) SyncOnce(ctx context.Context) error {
	open, err := w.repo.ListOpenBattles(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open battles: %w", err)
	}

	for _, b := range open {
		if b.Status != models.BattleStatusActive || !b.HasEntryFee() {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, w.timeout)
		balance, err := w.ledger.GetPoolBalance(callCtx, b.ID)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to read pool balance for battle %s: %w", b.ID, err)
		}
		if balance.Equal(b.PoolBalance) {
			continue
		}
		if err := w.repo.UpdatePoolBalance(ctx, b.ID, balance); err != nil {
			return fmt.Errorf("failed to store pool balance for battle %s: %w", b.ID, err)
		}
		w.logger.Debug().Str("battle_id", b.ID).Str("balance", balance.String()).Msg("pool balance mirrored")
	}
	return nil
}
