package middleware

import (
	"log"

	"github.com/gofiber/fiber/v2"
)

// PlayerContextMiddleware extracts the town character identity set by the
// Gateway. Every queue and match route requires it.
func PlayerContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		playerID := c.Get("X-Player-ID")
		if playerID == "" {
			log.Printf("❌ [PLAYER_CTX] X-Player-ID missing on %s", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-Player-ID — request must come through gateway with auth context",
			})
		}
		c.Locals("player_id", playerID)
		return c.Next()
	}
}
