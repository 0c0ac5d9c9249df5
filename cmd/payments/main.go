package main

import (
	"fmt"
	"log"
	"os"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/template/html/v2"

	"github.com/allinclusive-ar/mp-payments/app/controllers"
	"github.com/allinclusive-ar/mp-payments/internal/pkg/cache"
	"github.com/allinclusive-ar/mp-payments/internal/pkg/database"
	"github.com/allinclusive-ar/mp-payments/internal/pkg/env"
	"github.com/allinclusive-ar/mp-payments/internal/pkg/messaging"
	"github.com/allinclusive-ar/mp-payments/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4100")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	publisher, err := messaging.NewPublisherFromEnv()
	if err != nil {
		log.Printf("Warning: event publisher disabled: %v", err)
	} else if publisher != nil {
		controllers.SetEventPublisher(publisher)
	}

	// Define possible base paths
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/payments to project root
		"../../../", // Fallback
	}

	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + "views"); !os.IsNotExist(err) {
			basePath = path
			break
		}
	}

	if basePath == "" {
		panic("Could not find project root directory")
	}

	app := fiber.New(fiber.Config{
		Views: html.New(basePath+"views", ".html"),
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			"admin": env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app)

	return app
}
