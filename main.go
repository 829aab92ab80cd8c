package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"town-match-service/handlers"
	"town-match-service/middleware"
	"town-match-service/models"
	"town-match-service/services"
	"town-match-service/utils"
	"town-match-service/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024, // commands are small JSON bodies
	})

	// 🔐 GLOBAL: Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-Player-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	if err := utils.InitR2(); err != nil {
		log.Fatal("failed to initialize R2 client:", err)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.QueueEntry{},
		&models.Match{},
		&models.MatchPlayer{},
		&models.Building{},
		&models.MatchEvent{},
		&models.IdempotencyRecord{},
		&models.WorldMap{},
		&models.PlayerProfile{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	scheduler, err := services.NewGocronScheduler()
	if err != nil {
		log.Fatal("failed to start scheduler:", err)
	}
	defer scheduler.Shutdown()

	matchConfig := services.LoadMatchConfig()
	engine := services.NewPhaseEngine(db, scheduler, matchConfig)
	placement := services.NewPlacementService(db)
	queueService := services.NewQueueService(db, engine, placement)
	matchService := services.NewMatchService(db)
	actionService := services.NewActionService(db, engine)

	// Re-arm timers for matches that were mid-phase when we went down.
	if err := engine.RecoverLiveMatches(); err != nil {
		log.Printf("⚠️  Failed to recover live matches: %v", err)
	}

	workers.StartPhaseSweeper(db, engine, scheduler, 30*time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	archiver := workers.NewMatchArchiver(db)
	go archiver.Poll(ctx, 1*time.Minute)

	handlers.SetupQueueRoutes(app, queueService)
	handlers.SetupMatchRoutes(app, matchService, actionService)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Server running on http://localhost:5300")
	log.Println("✅ Phase sweeper running (every 30s)")
	log.Println("✅ Match archiver running (every 1m)")
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
}
