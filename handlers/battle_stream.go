// handlers/battle_stream.go
package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"battle-orchestrator/models"

	"github.com/gofiber/fiber/v2"
)

const streamPollInterval = 2 * time.Second

// battleSnapshot is what the stream compares between polls.
type battleSnapshot struct {
	ID                string              `json:"id"`
	Status            models.BattleStatus `json:"status"`
	ParticipantsCount int64               `json:"participants_count"`
}

// StreamCurrentBattle pushes the current battle as server-sent events
// whenever its id, status or participant count changes. An "idle" event is
// sent when no battle is open.
func (h *BattleHandler) StreamCurrentBattle(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	// The fiber context is recycled once the handler returns.
	done := c.Context().Done()
	interval := h.streamInterval
	if interval <= 0 {
		interval = streamPollInterval
	}

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last *battleSnapshot
		first := true
		for {
			changed, err := h.writeBattleEvent(w, &last, first)
			first = false
			if err != nil {
				h.logger.Debug().Err(err).Msg("battle stream write failed")
				return
			}
			if !changed {
				// Keepalive comment; a failed flush means the client left.
				w.WriteString(":\n\n")
			}
			if err := w.Flush(); err != nil {
				return
			}

			select {
			case <-ticker.C:
			case <-done:
				return
			}
		}
	})
	return nil
}

func (h *BattleHandler) writeBattleEvent(w *bufio.Writer, last **battleSnapshot, force bool) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := h.orch.GetCurrentBattle(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("battle stream lookup failed")
		return false, nil
	}

	if b == nil {
		if *last == nil && !force {
			return false, nil
		}
		*last = nil
		_, err := fmt.Fprint(w, "event: idle\ndata: {}\n\n")
		return true, err
	}

	snap := battleSnapshot{ID: b.ID, Status: b.Status, ParticipantsCount: b.ParticipantsCount}
	if !force && *last != nil && **last == snap {
		return false, nil
	}
	*last = &snap

	payload, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	_, err = fmt.Fprintf(w, "event: battle\ndata: %s\n\n", payload)
	return true, err
}
