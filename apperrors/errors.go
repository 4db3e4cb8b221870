package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies orchestrator failures.
type ErrorType int

const (
	TypeConfiguration ErrorType = iota
	TypeNoActiveBattle
	TypeAlreadyJoined
	TypeBattleFull
	TypeNotParticipant
	TypePaymentRequired
	TypeValidation
	TypeNotFound
	TypePersistence
	TypeSettlementTransient
	TypeInvariantViolation
)

var typeNames = map[ErrorType]string{
	TypeConfiguration:       "configuration",
	TypeNoActiveBattle:      "no_active_battle",
	TypeAlreadyJoined:       "already_joined",
	TypeBattleFull:          "battle_full",
	TypeNotParticipant:      "not_participant",
	TypePaymentRequired:     "payment_required",
	TypeValidation:          "validation",
	TypeNotFound:            "not_found",
	TypePersistence:         "persistence",
	TypeSettlementTransient: "settlement_transient",
	TypeInvariantViolation:  "invariant_violation",
}

func (t ErrorType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// AppError is the structured error carried across service boundaries.
type AppError struct {
	Type     ErrorType
	Code     string
	Message  string
	Internal error
}

func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Internal)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Internal }

func newError(t ErrorType, code, message string, internal error) *AppError {
	return &AppError{Type: t, Code: code, Message: message, Internal: internal}
}

func NewConfigurationError(code, message string) *AppError {
	return newError(TypeConfiguration, code, message, nil)
}

func NewNoActiveBattleError() *AppError {
	return newError(TypeNoActiveBattle, "NO_ACTIVE_BATTLE", "no battle is currently active", nil)
}

func NewAlreadyJoinedError(battleID, userAddress string) *AppError {
	return newError(TypeAlreadyJoined, "ALREADY_JOINED",
		fmt.Sprintf("%s already joined battle %s", userAddress, battleID), nil)
}

func NewBattleFullError(battleID string, max int) *AppError {
	return newError(TypeBattleFull, "BATTLE_FULL",
		fmt.Sprintf("battle %s reached its cap of %d participants", battleID, max), nil)
}

func NewNotParticipantError(battleID, userAddress string) *AppError {
	return newError(TypeNotParticipant, "NOT_PARTICIPANT",
		fmt.Sprintf("%s has not joined battle %s", userAddress, battleID), nil)
}

func NewPaymentRequiredError(battleID string) *AppError {
	return newError(TypePaymentRequired, "PAYMENT_REQUIRED",
		fmt.Sprintf("battle %s requires an entry transaction reference", battleID), nil)
}

func NewValidationError(code, message string) *AppError {
	return newError(TypeValidation, code, message, nil)
}

func NewNotFoundError(code, message string) *AppError {
	return newError(TypeNotFound, code, message, nil)
}

func NewPersistenceError(code, message string, err error) *AppError {
	return newError(TypePersistence, code, message, err)
}

func NewSettlementTransientError(code, message string, err error) *AppError {
	return newError(TypeSettlementTransient, code, message, err)
}

func NewInvariantViolation(code, message string) *AppError {
	return newError(TypeInvariantViolation, code, message, nil)
}

// TypeOf returns the type of the first AppError in err's chain.
func TypeOf(err error) (ErrorType, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type, true
	}
	return 0, false
}

// Is reports whether err carries an AppError of type t.
func Is(err error, t ErrorType) bool {
	got, ok := TypeOf(err)
	return ok && got == t
}

// Retryable reports whether the system itself should retry the failed operation.
func Retryable(err error) bool {
	t, ok := TypeOf(err)
	if !ok {
		return false
	}
	return t == TypePersistence || t == TypeSettlementTransient
}

// Classify maps an error to the HTTP status the boundary layer responds with.
func Classify(err error) int {
	if err == nil {
		return http.StatusOK
	}
	t, ok := TypeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch t {
	case TypeNoActiveBattle, TypeNotFound:
		return http.StatusNotFound
	case TypeAlreadyJoined, TypeBattleFull:
		return http.StatusConflict
	case TypeNotParticipant:
		return http.StatusForbidden
	case TypePaymentRequired:
		return http.StatusPaymentRequired
	case TypeValidation:
		return http.StatusBadRequest
	case TypeSettlementTransient, TypeConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
