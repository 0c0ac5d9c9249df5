package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/allinclusive-ar/mp-payments/internal/pkg/env"
)

const (
	defaultAuthorizeURL = "https://auth.mercadopago.com.ar/authorization"
	defaultTokenURL     = "https://api.mercadopago.com/oauth/token"
	defaultAPIBaseURL   = "https://api.mercadopago.com"
)

// ErrUnauthorized is returned when the provider rejects the bearer token.
// Callers use it to trigger the one-shot refresh-and-retry path.
var ErrUnauthorized = errors.New("mercadopago: unauthorized")

type Client struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	AuthorizeURL string
	TokenURL     string
	APIBaseURL   string

	HTTPClient *http.Client
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	UserID       int64  `json:"user_id"`
}

type PreferenceItem struct {
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
	PictureURL string  `json:"picture_url,omitempty"`
}

type PreferenceBackURLs struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

type PreferenceRequest struct {
	Items             []PreferenceItem       `json:"items"`
	ExternalReference string                 `json:"external_reference"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	BackURLs          PreferenceBackURLs     `json:"back_urls"`
	AutoReturn        string                 `json:"auto_return,omitempty"`
	NotificationURL   string                 `json:"notification_url,omitempty"`
}

type PreferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

type Payment struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	StatusDetail      string      `json:"status_detail"`
	TransactionAmount float64     `json:"transaction_amount"`
	CurrencyID        string      `json:"currency_id"`
	ExternalReference string      `json:"external_reference"`
	MerchantOrderID   json.Number `json:"merchant_order_id"`
	PreferenceID      string      `json:"preference_id"`
	Payer             struct {
		Email string `json:"email"`
	} `json:"payer"`
}

// MerchantOrderPayment keeps the raw payment object alongside the parsed
// fields so the ledger can preserve the provider payload verbatim.
type MerchantOrderPayment struct {
	ID              json.Number `json:"id"`
	Status          string      `json:"status"`
	StatusDetail    string      `json:"status_detail"`
	TotalPaidAmount float64     `json:"total_paid_amount"`
	CurrencyID      string      `json:"currency_id"`

	Raw json.RawMessage `json:"-"`
}

func (p *MerchantOrderPayment) UnmarshalJSON(b []byte) error {
	type alias MerchantOrderPayment
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*p = MerchantOrderPayment(a)
	p.Raw = append(json.RawMessage(nil), b...)
	return nil
}

type MerchantOrder struct {
	ID                json.Number            `json:"id"`
	ExternalReference string                 `json:"external_reference"`
	PreferenceID      string                 `json:"preference_id"`
	Payments          []MerchantOrderPayment `json:"payments"`
}

func NewClientFromEnv() *Client {
	return &Client{
		ClientID:     strings.TrimSpace(env.GetEnv("MP_CLIENT_ID", "")),
		ClientSecret: strings.TrimSpace(env.GetEnv("MP_CLIENT_SECRET", "")),
		RedirectURI:  strings.TrimSpace(env.GetEnv("MP_REDIRECT_URI", "")),
		AuthorizeURL: strings.TrimSpace(env.GetEnv("MP_AUTHORIZE_URL", defaultAuthorizeURL)),
		TokenURL:     strings.TrimSpace(env.GetEnv("MP_TOKEN_URL", defaultTokenURL)),
		APIBaseURL:   strings.TrimSpace(env.GetEnv("MP_API_BASE_URL", defaultAPIBaseURL)),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *Client) AuthorizeURLWithState(state string) (string, error) {
	if strings.TrimSpace(c.ClientID) == "" {
		return "", errors.New("MP_CLIENT_ID is not configured")
	}
	if strings.TrimSpace(c.RedirectURI) == "" {
		return "", errors.New("MP_REDIRECT_URI is not configured")
	}
	u, err := url.Parse(c.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("invalid MP_AUTHORIZE_URL: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", c.ClientID)
	q.Set("platform_id", "mp")
	q.Set("redirect_uri", c.RedirectURI)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ExchangeCode trades a one-time authorization code for a token pair.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("oauth code is required")
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", strings.TrimSpace(code))
	form.Set("redirect_uri", c.RedirectURI)
	return c.tokenRequest(ctx, form)
}

// RefreshToken trades a stored refresh token for a fresh token pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, errors.New("refresh token is required")
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", strings.TrimSpace(refreshToken))
	return c.tokenRequest(ctx, form)
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (*TokenResponse, error) {
	if strings.TrimSpace(c.ClientID) == "" || strings.TrimSpace(c.ClientSecret) == "" {
		return nil, errors.New("MP_CLIENT_ID/MP_CLIENT_SECRET are not configured")
	}
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mercadopago token request failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var out TokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return nil, errors.New("mercadopago token request returned empty access_token")
	}
	return &out, nil
}

// CreatePreference submits an intent-to-pay object and returns the hosted
// checkout redirect URLs. Provider rejections surface the full error body.
func (c *Client) CreatePreference(ctx context.Context, accessToken string, pref PreferenceRequest) (*PreferenceResponse, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, errors.New("access token is required")
	}

	payload, err := json.Marshal(pref)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.APIBaseURL, "/")+"/checkout/preferences", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mercadopago preference creation failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var out PreferenceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, errors.New("mercadopago preference response missing id")
	}
	return &out, nil
}

// GetPayment fetches one payment resource. The raw response body is returned
// alongside the parsed payment for ledger preservation.
func (c *Client) GetPayment(ctx context.Context, accessToken, paymentID string) (*Payment, []byte, error) {
	body, err := c.getResource(ctx, accessToken, "/v1/payments/"+url.PathEscape(paymentID))
	if err != nil {
		return nil, nil, err
	}
	var out Payment
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, nil, err
	}
	if out.ID.String() == "" {
		return nil, nil, errors.New("mercadopago payment response missing id")
	}
	return &out, body, nil
}

// GetMerchantOrder fetches one merchant order aggregate.
func (c *Client) GetMerchantOrder(ctx context.Context, accessToken, orderID string) (*MerchantOrder, error) {
	body, err := c.getResource(ctx, accessToken, "/merchant_orders/"+url.PathEscape(orderID))
	if err != nil {
		return nil, err
	}
	var out MerchantOrder
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getResource(ctx context.Context, accessToken, path string) ([]byte, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, errors.New("access token is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.APIBaseURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mercadopago resource fetch failed: path=%s status=%d body=%s", path, resp.StatusCode, string(body))
	}
	return body, nil
}
