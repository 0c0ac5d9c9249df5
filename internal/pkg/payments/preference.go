package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/allinclusive-ar/mp-payments/internal/pkg/mercadopago"
	"github.com/go-playground/validator/v10"
)

// CredentialSource resolves the bearer token used for provider calls. The
// mode is a configuration-time decision: a fixed platform token for
// single-tenant deployments, or a per-seller OAuth lookup.
type CredentialSource interface {
	AccessToken(ctx context.Context, sellerID string) (string, error)
}

// TokenRefresher is implemented by credential sources that can replace an
// access token the provider rejected. A fixed platform token cannot be
// refreshed, so an unauthorized response in fixed mode is a hard failure.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context, sellerID, staleToken string) (string, error)
}

// FixedToken is the single-tenant credential source.
type FixedToken string

func (t FixedToken) AccessToken(ctx context.Context, sellerID string) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", errors.New("MP_ACCESS_TOKEN is not configured")
	}
	return string(t), nil
}

// PerSeller resolves credentials from the store, keyed by seller id.
type PerSeller struct {
	Store           *CredentialStore
	DefaultSellerID string
}

func (p PerSeller) AccessToken(ctx context.Context, sellerID string) (string, error) {
	if strings.TrimSpace(sellerID) == "" {
		sellerID = p.DefaultSellerID
	}
	if strings.TrimSpace(sellerID) == "" {
		return "", errors.New("seller id is required in per-seller credential mode")
	}
	cred, err := p.Store.Get(ctx, sellerID)
	if err != nil {
		return "", fmt.Errorf("seller %s is not linked to the payment provider: %w", sellerID, err)
	}
	return cred.AccessToken, nil
}

func (p PerSeller) RefreshAccessToken(ctx context.Context, sellerID, staleToken string) (string, error) {
	if strings.TrimSpace(sellerID) == "" {
		sellerID = p.DefaultSellerID
	}
	cred, err := p.Store.Refresh(ctx, sellerID, staleToken)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// PreferenceBuilder constructs and submits payment preferences.
type PreferenceBuilder struct {
	Client          *mercadopago.Client
	Source          CredentialSource
	PublicBaseURL   string
	NotificationURL string

	validate *validator.Validate
}

func NewPreferenceBuilder(client *mercadopago.Client, source CredentialSource, publicBaseURL, notificationURL string) *PreferenceBuilder {
	return &PreferenceBuilder{
		Client:          client,
		Source:          source,
		PublicBaseURL:   strings.TrimRight(publicBaseURL, "/"),
		NotificationURL: notificationURL,
		validate:        validator.New(),
	}
}

// Create validates the cart snapshot and submits a preference to the
// provider. A zero-quantity or zero-price line item is a hard error naming
// the offending item, never a silent drop.
func (b *PreferenceBuilder) Create(ctx context.Context, req CheckoutRequest) (*CheckoutResponse, error) {
	if len(req.Items) == 0 {
		return nil, errors.New("missing items")
	}

	items := make([]mercadopago.PreferenceItem, 0, len(req.Items))
	for i, it := range req.Items {
		if it.Quantity < 1 {
			return nil, fmt.Errorf("line item %d (%q): quantity must be at least 1, got %d", i+1, it.Title, it.Quantity)
		}
		if it.UnitPrice <= 0 {
			return nil, fmt.Errorf("line item %d (%q): unit price must be greater than 0, got %v", i+1, it.Title, it.UnitPrice)
		}
		if err := b.validate.Struct(it); err != nil {
			return nil, fmt.Errorf("line item %d (%q): %w", i+1, it.Title, err)
		}
		items = append(items, mercadopago.PreferenceItem{
			Title:      it.Title,
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice,
			CurrencyID: it.CurrencyID,
			PictureURL: it.PictureURL,
		})
	}

	token, err := b.Source.AccessToken(ctx, req.SellerID)
	if err != nil {
		return nil, err
	}

	externalRef := strings.TrimSpace(req.UserID)
	if externalRef == "" {
		externalRef = "guest"
	}

	pref := mercadopago.PreferenceRequest{
		Items:             items,
		ExternalReference: externalRef,
		Metadata: map[string]interface{}{
			"user_id":     externalRef,
			"seller_id":   req.SellerID,
			"items_count": len(items),
		},
		BackURLs: mercadopago.PreferenceBackURLs{
			Success: b.PublicBaseURL + "/success",
			Failure: b.PublicBaseURL + "/failure",
			Pending: b.PublicBaseURL + "/pending",
		},
		// Only approved payments redirect the buyer back automatically;
		// other terminal states require a manual click-through.
		AutoReturn:      "approved",
		NotificationURL: b.NotificationURL,
	}

	resp, err := b.Client.CreatePreference(ctx, token, pref)
	if err != nil {
		return nil, err
	}

	return &CheckoutResponse{
		InitPoint:        resp.InitPoint,
		PreferenceID:     resp.ID,
		SandboxInitPoint: resp.SandboxInitPoint,
	}, nil
}
