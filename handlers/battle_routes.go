// handlers/battle_routes.go
package handlers

import (
	"errors"
	"strconv"
	"time"

	"battle-orchestrator/apperrors"
	"battle-orchestrator/middleware"
	"battle-orchestrator/observability"
	"battle-orchestrator/services"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// BattleHandler exposes the orchestrator over HTTP.
type BattleHandler struct {
	orch           *services.Orchestrator
	logger         zerolog.Logger
	streamInterval time.Duration
}

func NewBattleHandler(orch *services.Orchestrator) *BattleHandler {
	return &BattleHandler{orch: orch, logger: observability.NewLogger("http")}
}

func SetupBattleRoutes(app fiber.Router, orch *services.Orchestrator) {
	h := NewBattleHandler(orch)

	// 🔓 Public reads
	app.Get("/battles/current", h.GetCurrentBattle)
	app.Get("/battles/current/stream", h.StreamCurrentBattle)
	app.Get("/battles/history", h.GetHistory)
	app.Get("/battles/:id/submissions", h.ListSubmissions)
	app.Get("/leaderboard", h.GetLeaderboard)
	app.Get("/users/:address/points", h.GetUserPoints)
	app.Get("/config", h.GetConfig)

	// 🔐 Wallet-authenticated writes
	secured := app.Group("/", middleware.UserContextMiddleware())
	secured.Post("/battles/current/join", h.JoinCurrentBattle)
	secured.Post("/battles/current/entry", h.EnterCurrentBattle)
	secured.Post("/battles/:id/submissions", h.Submit)

	// 🔒 Operator routes
	admin := secured.Group("/admin", middleware.RequireRole(middleware.RoleAdmin))
	admin.Post("/battles/:id/retry-payout", h.RetryPayout)
}

// respondError writes err as JSON with the status its type maps to.
func (h *BattleHandler) respondError(c *fiber.Ctx, err error) error {
	status := apperrors.Classify(err)
	body := fiber.Map{"error": err.Error()}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		body["code"] = appErr.Code
		body["error"] = appErr.Message
	}
	if status >= fiber.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.Path()).Int("status", status).Msg("request failed")
	}
	return c.Status(status).JSON(body)
}

func (h *BattleHandler) GetCurrentBattle(c *fiber.Ctx) error {
	b, err := h.orch.GetCurrentBattle(c.UserContext())
	if err != nil {
		return h.respondError(c, err)
	}
	if b == nil {
		return h.respondError(c, apperrors.NewNoActiveBattleError())
	}
	return c.JSON(b)
}

func (h *BattleHandler) JoinCurrentBattle(c *fiber.Ctx) error {
	var body struct {
		EntryTxRef string `json:"entry_tx_ref"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return h.respondError(c, apperrors.NewValidationError("INVALID_BODY", "request body must be JSON"))
		}
	}

	res := h.orch.Join(c.UserContext(), services.JoinRequest{
		UserAddress: middleware.UserAddress(c),
		EntryTxRef:  body.EntryTxRef,
	})
	return h.respondJoin(c, res)
}

func (h *BattleHandler) EnterCurrentBattle(c *fiber.Ctx) error {
	res := h.orch.JoinWithEntry(c.UserContext(), middleware.UserAddress(c))
	return h.respondJoin(c, res)
}

func (h *BattleHandler) respondJoin(c *fiber.Ctx, res services.JoinResult) error {
	if !res.Success {
		if res.Err == nil {
			return c.Status(fiber.StatusConflict).JSON(res)
		}
		status := apperrors.Classify(res.Err)
		if status >= fiber.StatusInternalServerError {
			h.logger.Error().Err(res.Err).Str("outcome", string(res.Outcome)).Msg("join failed")
		}
		return c.Status(status).JSON(fiber.Map{
			"success": false,
			"outcome": res.Outcome,
			"error":   res.Err.Error(),
		})
	}
	status := fiber.StatusOK
	if res.Outcome == services.JoinOutcomeJoined {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(res)
}

func (h *BattleHandler) Submit(c *fiber.Ctx) error {
	var body struct {
		Side    string `json:"side"`
		Content string `json:"content"`
	}
	if err := c.BodyParser(&body); err != nil {
		return h.respondError(c, apperrors.NewValidationError("INVALID_BODY", "request body must be JSON"))
	}

	res := h.orch.Submit(c.UserContext(), services.SubmitRequest{
		UserAddress: middleware.UserAddress(c),
		BattleID:    c.Params("id"),
		Side:        body.Side,
		Content:     body.Content,
	})
	if !res.Success {
		return c.Status(apperrors.Classify(res.Err)).JSON(fiber.Map{
			"success": false,
			"outcome": res.Outcome,
			"error":   res.Err.Error(),
		})
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (h *BattleHandler) ListSubmissions(c *fiber.Ctx) error {
	subs, err := h.orch.ListSubmissions(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{"submissions": subs})
}

func (h *BattleHandler) GetHistory(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	rows, err := h.orch.History(c.UserContext(), limit)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{"history": rows})
}

func (h *BattleHandler) GetLeaderboard(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "10"))
	rows, err := h.orch.Top(c.UserContext(), limit)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{"leaderboard": rows})
}

func (h *BattleHandler) GetUserPoints(c *fiber.Ctx) error {
	row, err := h.orch.UserPoints(c.UserContext(), c.Params("address"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(row)
}

func (h *BattleHandler) GetConfig(c *fiber.Ctx) error {
	return c.JSON(h.orch.GetConfig())
}

func (h *BattleHandler) RetryPayout(c *fiber.Ctx) error {
	battleID := c.Params("id")
	h.logger.Info().
		Str("battle_id", battleID).
		Str("operator", middleware.UserAddress(c)).
		Msg("payout retry requested")

	payout, err := h.orch.RetryPayout(c.UserContext(), battleID)
	if err != nil {
		if payout != nil {
			return c.Status(apperrors.Classify(err)).JSON(fiber.Map{
				"error":  err.Error(),
				"payout": payout,
			})
		}
		return h.respondError(c, err)
	}
	return c.JSON(payout)
}
