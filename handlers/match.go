package handlers

import (
	"town-match-service/middleware"
	"town-match-service/services"

	"github.com/gofiber/fiber/v2"
)

func SetupMatchRoutes(app *fiber.App, matchService *services.MatchService, actionService *services.ActionService) {
	secured := app.Group("/", middleware.PlayerContextMiddleware())

	// Read API
	secured.Get("/matches", matchService.List)
	secured.Get("/matches/:id", matchService.GetState)
	secured.Get("/matches/:id/events", matchService.GetEvents)
	secured.Get("/matches/:id/building", matchService.GetBuilding)
	secured.Get("/worlds/:id/buildings", matchService.BuildingsInWorld)

	// Player commands — each idempotent via idempotency_key
	secured.Post("/matches/:id/ready", actionService.Ready)
	secured.Post("/matches/:id/say", actionService.SayPublic)
	secured.Post("/matches/:id/vote", actionService.Vote)
	secured.Post("/matches/:id/wolf-kill", actionService.WolfKill)
	secured.Post("/matches/:id/seer-inspect", actionService.SeerInspect)
	secured.Post("/matches/:id/doctor-protect", actionService.DoctorProtect)
	secured.Post("/matches/:id/wolf-chat", actionService.WolfChat)
}
