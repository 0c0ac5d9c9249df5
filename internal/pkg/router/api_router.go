package router

import (
	"github.com/allinclusive-ar/mp-payments/app/controllers"
	"github.com/allinclusive-ar/mp-payments/internal/pkg/constants"
	"github.com/allinclusive-ar/mp-payments/internal/pkg/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// ApiRouter installs the storefront-facing routes.
type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	app.Post(constants.PreferenceRoute,
		limiter.New(),
		middleware.APIKeyAuthMiddleware(),
		controllers.HandleCreatePreference,
	)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
