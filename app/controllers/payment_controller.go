package controllers

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/allinclusive-ar/mp-payments/app/models"
	"github.com/allinclusive-ar/mp-payments/internal/pkg/constants"
	"github.com/allinclusive-ar/mp-payments/internal/pkg/database"
	"github.com/allinclusive-ar/mp-payments/internal/pkg/env"
	"github.com/allinclusive-ar/mp-payments/internal/pkg/mercadopago"
	"github.com/allinclusive-ar/mp-payments/internal/pkg/oauth"
	"github.com/allinclusive-ar/mp-payments/internal/pkg/payments"
	"github.com/gofiber/fiber/v2"
)

var eventPublisher payments.EventPublisher

// SetEventPublisher wires the optional broker publisher into webhook
// processing. Called once from main when AMQP is configured.
func SetEventPublisher(p payments.EventPublisher) {
	eventPublisher = p
}

// credentialUpserter is the slice of the credential store the OAuth callback
// needs.
type credentialUpserter interface {
	Upsert(ctx context.Context, cred *models.SellerCredential) error
}

// Seams for tests; production values stand in for the real collaborators.
var (
	issueOAuthState   = oauth.IssueState
	consumeOAuthState = oauth.ConsumeState

	newCredentialStore = func(client *mercadopago.Client) credentialUpserter {
		return payments.NewCredentialStore(payments.NewRepository(database.GetDB()), client)
	}
)

// HandleCreatePreference builds and submits a payment preference for the
// storefront checkout and returns the hosted-checkout redirect URLs.
func HandleCreatePreference(c *fiber.Ctx) error {
	var req payments.CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body", "details": err.Error()})
	}

	builder, err := newPreferenceBuilder()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	resp, err := builder.Create(ctx, req)
	if err != nil {
		log.Printf("preference creation failed: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

// HandleWebhook receives provider notifications. The contract with the
// provider is "I received this; do not resend": every outcome short of an
// unhandled fault answers 200, and processing failures are logged for
// operator follow-up instead of triggering provider retries.
func HandleWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("x-signature"))
	requestID := strings.TrimSpace(c.Get("x-request-id"))
	secret := env.GetEnv("MP_CLIENT_SECRET", "")
	policy := payments.PolicyFromString(env.GetEnv("WEBHOOK_VERIFY_POLICY", string(payments.PolicyDiscard)))

	if signature == "" || requestID == "" {
		log.Printf("webhook: unauthenticated delivery discarded (signature present=%t, request id present=%t)", signature != "", requestID != "")
		if policy == payments.PolicyReject {
			return c.Status(fiber.StatusUnauthorized).SendString("Missing signature")
		}
		return c.Status(fiber.StatusOK).SendString("Missing signature")
	}

	if !payments.VerifyWebhookSignature(requestID, signature, secret) {
		log.Printf("webhook: invalid signature discarded (request id %s)", requestID)
		if policy == payments.PolicyReject {
			return c.Status(fiber.StatusUnauthorized).SendString("Invalid signature")
		}
		return c.Status(fiber.StatusOK).SendString("Invalid signature")
	}

	var n payments.Notification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		log.Printf("webhook: unparseable body discarded: %v", err)
		return c.Status(fiber.StatusOK).SendString("OK")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	reconciler, err := newReconciler()
	if err != nil {
		log.Printf("webhook: %v", err)
		return c.Status(fiber.StatusOK).SendString("OK")
	}

	if err := reconciler.HandleNotification(ctx, n); err != nil {
		// Still acknowledged; delivery receipt is decoupled from
		// processing success.
		log.Printf("webhook: processing failed for topic %s id %s: %v", n.TopicOrType(), n.ResourceID(), err)
	}

	return c.Status(fiber.StatusOK).SendString("OK")
}

// HandleOAuthStart issues a one-shot state token and returns the provider's
// hosted authorization URL for seller onboarding.
func HandleOAuthStart(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing user_id"})
	}

	state, err := issueOAuthState(strings.TrimSpace(req.UserID))
	if err != nil {
		log.Printf("oauth start: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "could not issue oauth state"})
	}

	authorizationURL, err := mercadopago.NewClientFromEnv().AuthorizeURLWithState(state)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"authorization_url": authorizationURL,
		"state":             state,
	})
}

// HandleOAuthCallback exchanges the one-time authorization code for a token
// pair and persists the seller credential.
func HandleOAuthCallback(c *fiber.Ctx) error {
	if oauthErr := strings.TrimSpace(c.Query("error")); oauthErr != "" {
		msg := c.Query("error_description", oauthErr)
		return c.Status(fiber.StatusInternalServerError).SendString("OAuth Error: " + msg)
	}

	code := strings.TrimSpace(c.Query("code"))
	if code == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Missing code")
	}

	sellerID, err := consumeOAuthState(strings.TrimSpace(c.Query("state")))
	if err != nil {
		log.Printf("oauth callback: %v", err)
		return c.Status(fiber.StatusBadRequest).SendString("Invalid oauth state")
	}

	client := mercadopago.NewClientFromEnv()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	token, err := client.ExchangeCode(ctx, code)
	if err != nil {
		log.Printf("oauth callback: token exchange failed for seller %s: %v", sellerID, err)
		return c.Status(fiber.StatusInternalServerError).SendString("OAuth Error: " + err.Error())
	}

	store := newCredentialStore(client)
	cred := &models.SellerCredential{
		SellerID:          sellerID,
		ProviderAccountID: strconv.FormatInt(token.UserID, 10),
		AccessToken:       token.AccessToken,
		RefreshToken:      token.RefreshToken,
		TokenType:         token.TokenType,
		Scope:             token.Scope,
		ExpiresIn:         token.ExpiresIn,
	}
	if err := store.Upsert(ctx, cred); err != nil {
		log.Printf("oauth callback: persisting credential for seller %s: %v", sellerID, err)
		return c.Status(fiber.StatusInternalServerError).SendString("Could not store credentials")
	}

	return c.Render("oauth_success", fiber.Map{
		"SellerID": sellerID,
	})
}

func newPreferenceBuilder() (*payments.PreferenceBuilder, error) {
	client := mercadopago.NewClientFromEnv()
	repo := payments.NewRepository(database.GetDB())
	store := payments.NewCredentialStore(repo, client)

	source, err := credentialSourceFromEnv(store)
	if err != nil {
		return nil, err
	}

	publicBaseURL := env.GetEnv("PUBLIC_DOMAIN", "https://allinclusive.com.ar")
	notificationURL := env.GetEnv("MP_NOTIFICATION_URL", "")
	if notificationURL == "" {
		notificationURL = strings.TrimRight(env.GetEnv("PUBLIC_SERVICE_URL", ""), "/") + constants.WebhookRoute
	}

	return payments.NewPreferenceBuilder(client, source, publicBaseURL, notificationURL), nil
}

// credentialSourceFromEnv picks the credential mode once, at configuration
// time, instead of branching on runtime field presence.
func credentialSourceFromEnv(store *payments.CredentialStore) (payments.CredentialSource, error) {
	switch mode := env.GetEnv("MP_CREDENTIAL_MODE", "fixed"); mode {
	case "fixed":
		return payments.FixedToken(env.GetEnv("MP_ACCESS_TOKEN", "")), nil
	case "oauth":
		return payments.PerSeller{
			Store:           store,
			DefaultSellerID: env.GetEnv("DEFAULT_SELLER_ID", ""),
		}, nil
	default:
		return nil, fiber.NewError(fiber.StatusInternalServerError, "unknown MP_CREDENTIAL_MODE: "+mode)
	}
}

// newReconciler shares the credential-mode decision with preference
// creation: fixed mode reconciles with the platform token and has no refresh
// path, oauth mode resolves per-seller credentials with one refresh retry.
func newReconciler() (*payments.Reconciler, error) {
	client := mercadopago.NewClientFromEnv()
	repo := payments.NewRepository(database.GetDB())
	store := payments.NewCredentialStore(repo, client)

	source, err := credentialSourceFromEnv(store)
	if err != nil {
		return nil, err
	}

	r := payments.NewReconciler(
		repo,
		client,
		source,
		env.GetEnv("DEFAULT_SELLER_ID", ""),
		payments.LedgerModeFromString(env.GetEnv("LEDGER_MODE", string(payments.LedgerTransitions))),
	)
	r.Publisher = eventPublisher
	return r, nil
}
