package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/TradingAgent/app/repository"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/billing"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/cache"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/database"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/env"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/jobqueue"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/router"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := NewApplication()

	manager := jobqueue.GetManager()
	if err := manager.Start(); err != nil {
		log.Fatalf("job queue: %v", err)
	}

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Fatal(err)
		}
	}()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownCh
	log.Println("Shutting down server...")

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
	manager.Stop()
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	repository.InitializeFactory(db)
	services := billing.Setup(db)
	jobqueue.Setup(services)

	app := fiber.New(fiber.Config{
		AppName:   "TradingAgent",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: findBasePath() + "public/docs/v1/openapi.yml",
		Path:     "v1",
		Title:    "TradingAgent API",
	}))

	// ROUTER
	router.InstallRouter(app)

	return app
}

// findBasePath locates the project root from the binary's working directory.
func findBasePath() string {
	for _, path := range []string{"./", "../../", "../../../"} {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); err == nil {
			return path
		}
	}
	panic("Could not find project root directory")
}
