package handlers

import (
	"town-match-service/middleware"
	"town-match-service/services"

	"github.com/gofiber/fiber/v2"
)

func SetupQueueRoutes(app *fiber.App, queueService *services.QueueService) {
	secured := app.Group("/", middleware.PlayerContextMiddleware())

	secured.Post("/queue/join", queueService.JoinQueue)
	secured.Post("/queue/leave", queueService.LeaveQueue)
	secured.Get("/queue/status", queueService.QueueStatus)
}
