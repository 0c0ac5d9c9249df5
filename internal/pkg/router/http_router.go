package router

import (
	"github.com/allinclusive-ar/mp-payments/app/controllers"
	"github.com/allinclusive-ar/mp-payments/internal/pkg/constants"
	"github.com/gofiber/fiber/v2"
)

// HttpRouter installs the provider-facing routes: webhook deliveries and the
// seller OAuth linking flow.
type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	app.Post(constants.WebhookRoute, controllers.HandleWebhook)
	app.Post(constants.OAuthStartRoute, controllers.HandleOAuthStart)
	app.Get(constants.OAuthCallbackRoute, controllers.HandleOAuthCallback)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
