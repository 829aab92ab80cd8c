package services

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Command errors are typed so handlers and tests can tell a bad request
// from a wrong-phase action from an idempotency conflict. A rejected
// command never leaves partial state behind: all handlers run inside a
// transaction that rolls back on any of these.

// ValidationError: malformed input (bad queue id, oversized name, bad key).
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

// StateError: the action is not legal in the match's current state
// (wrong phase, dead actor, role mismatch, invalid target).
type StateError struct{ Msg string }

func (e *StateError) Error() string { return e.Msg }

// ConflictError: an idempotency key was reused across a different player
// or match.
type ConflictError struct{ Msg string }

func (e *ConflictError) Error() string { return e.Msg }

// NotFoundError: unknown match, queue entry, world map or player.
type NotFoundError struct{ Msg string }

func (e *NotFoundError) Error() string { return e.Msg }

// InvariantError: the stored data violates an assumption the engine relies
// on (ragged map layers, no open tile, player-count mismatch). These are
// bugs or operator errors, not client errors.
type InvariantError struct{ Msg string }

func (e *InvariantError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func statef(format string, args ...any) error {
	return &StateError{Msg: fmt.Sprintf(format, args...)}
}

func conflictf(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) error {
	return &NotFoundError{Msg: fmt.Sprintf(format, args...)}
}

func invariantf(format string, args ...any) error {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}

// respondError maps the taxonomy to HTTP statuses in one place so handler
// bodies stay uniform.
func respondError(c *fiber.Ctx, err error) error {
	var (
		ve *ValidationError
		se *StateError
		ce *ConflictError
		ne *NotFoundError
		ie *InvariantError
	)
	switch {
	case errors.As(err, &ve):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": ve.Msg})
	case errors.As(err, &se):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": se.Msg})
	case errors.As(err, &ce):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": ce.Msg})
	case errors.As(err, &ne):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": ne.Msg})
	case errors.As(err, &ie):
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": ie.Msg})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}
