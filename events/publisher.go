package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	BattleCreated   = "battle.created"
	BattleClosing   = "battle.closing"
	BattleCompleted = "battle.completed"
	BattleFailed    = "battle.failed"
	PayoutSucceeded = "payout.succeeded"
)

// Event is a lifecycle notification for downstream consumers.
type Event struct {
	Type          string    `json:"type"`
	BattleID      string    `json:"battle_id"`
	Title         string    `json:"title,omitempty"`
	Status        string    `json:"status"`
	WinnerAddress string    `json:"winner_address,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher emits lifecycle events. Publishing is best-effort; callers log
// failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// NoopPublisher discards events. Used when NATS is not configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }

// NATSPublisher writes events to a JetStream stream under
// {prefix}.{event type}.
type NATSPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
	logger zerolog.Logger
}

func NewNATSPublisher(ctx context.Context, url, prefix string, logger zerolog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("battle-orchestrator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	p := &NATSPublisher{nc: nc, js: js, prefix: prefix, logger: logger}
	if err := p.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *NATSPublisher) ensureStream(ctx context.Context) error {
	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "BATTLE_EVENTS",
		Subjects:  []string{p.prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create battle events stream: %w", err)
	}
	p.logger.Info().Str("stream", "BATTLE_EVENTS").Msg("ensured battle events stream")
	return nil
}

func (p *NATSPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, Subject(p.prefix, evt.Type), data,
		jetstream.WithMsgID(evt.BattleID+":"+evt.Type))
	return err
}

// Close drains pending publishes before closing the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// Subject builds the NATS subject for an event type.
func Subject(prefix, eventType string) string {
	return fmt.Sprintf("%s.%s", prefix, eventType)
}
