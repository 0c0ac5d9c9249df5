package constants

// Route constants shared between the router and handlers.
const (
	PreferenceRoute    = "/preference"
	WebhookRoute       = "/webhook"
	OAuthStartRoute    = "/oauth/start"
	OAuthCallbackRoute = "/oauth/callback"
)
