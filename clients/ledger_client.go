package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"battle-orchestrator/apperrors"

	"github.com/shopspring/decimal"
)

// LedgerClient is the thin client to the escrow contract gateway. Pools are
// keyed by the orchestrator's battle ID.
type LedgerClient interface {
	CollectEntry(ctx context.Context, battleID, userAddress string, amount decimal.Decimal) (string, error)
	TriggerPayout(ctx context.Context, ledgerBattleID, winnerAddress string) (string, error)
	GetPoolBalance(ctx context.Context, ledgerBattleID string) (decimal.Decimal, error)
}

// EscrowClient talks JSON over HTTP to the escrow gateway.
type EscrowClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewEscrowClient(baseURL, token string, timeout time.Duration) *EscrowClient {
	return &EscrowClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type collectEntryRequest struct {
	BattleID    string          `json:"battle_id"`
	UserAddress string          `json:"user_address"`
	Amount      decimal.Decimal `json:"amount"`
}

type payoutRequest struct {
	WinnerAddress string `json:"winner_address"`
}

type txResponse struct {
	TxRef string `json:"tx_ref"`
}

type poolResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

func (c *EscrowClient) CollectEntry(ctx context.Context, battleID, userAddress string, amount decimal.Decimal) (string, error) {
	var out txResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/pools/"+url.PathEscape(battleID)+"/entries", collectEntryRequest{
		BattleID:    battleID,
		UserAddress: userAddress,
		Amount:      amount,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.TxRef, nil
}

func (c *EscrowClient) TriggerPayout(ctx context.Context, ledgerBattleID, winnerAddress string) (string, error) {
	var out txResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/pools/"+url.PathEscape(ledgerBattleID)+"/payout", payoutRequest{
		WinnerAddress: winnerAddress,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.TxRef, nil
}

func (c *EscrowClient) GetPoolBalance(ctx context.Context, ledgerBattleID string) (decimal.Decimal, error) {
	var out poolResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/pools/"+url.PathEscape(ledgerBattleID), nil, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Balance, nil
}

// do issues one request. Timeouts, transport failures and 5xx responses come
// back as SettlementTransient; 4xx responses are permanent.
func (c *EscrowClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode ledger request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create ledger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return apperrors.NewSettlementTransientError("LEDGER_UNREACHABLE", method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return apperrors.NewSettlementTransientError("LEDGER_UNAVAILABLE",
			fmt.Sprintf("ledger returned status %d", resp.StatusCode), errors.New(string(snippet)))
	}
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("ledger rejected %s %s with status %d: %s", method, path, resp.StatusCode, string(snippet))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return apperrors.NewSettlementTransientError("LEDGER_TIMEOUT", "reading ledger response", err)
		}
		return fmt.Errorf("failed to decode ledger response: %w", err)
	}
	return nil
}
