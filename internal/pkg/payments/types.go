package payments

import (
	"encoding/json"
	"strings"
)

// CheckoutItem is one storefront cart line as submitted by the checkout.
type CheckoutItem struct {
	Title      string  `json:"title" validate:"required"`
	Quantity   int     `json:"quantity" validate:"gte=1"`
	UnitPrice  float64 `json:"unit_price" validate:"gt=0"`
	CurrencyID string  `json:"currency_id" validate:"required,len=3"`
	PictureURL string  `json:"picture_url,omitempty" validate:"omitempty,url"`
}

type CheckoutRequest struct {
	Items    []CheckoutItem `json:"items"`
	UserID   string         `json:"user_id"`
	SellerID string         `json:"seller_id,omitempty"`
}

type CheckoutResponse struct {
	InitPoint        string `json:"init_point"`
	PreferenceID     string `json:"preference_id"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

// Notification is the inbound provider webhook body. Older notifications
// carry "topic", newer ones "type"; both name the same discriminator.
type Notification struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Data  struct {
		ID json.Number `json:"id"`
	} `json:"data"`
}

func (n Notification) TopicOrType() string {
	if t := strings.TrimSpace(n.Type); t != "" {
		return t
	}
	return strings.TrimSpace(n.Topic)
}

func (n Notification) ResourceID() string {
	return strings.TrimSpace(n.Data.ID.String())
}

// NormalizedPayment is the provider-agnostic shape the reconciler persists,
// regardless of whether it was observed via a payment or a merchant_order
// notification.
type NormalizedPayment struct {
	PaymentID       string
	Status          string
	StatusDetail    string
	Amount          float64
	Currency        string
	PayerEmail      string
	OrderRef        string
	MerchantOrderID string
	PreferenceID    string
	RawPayload      string
}
