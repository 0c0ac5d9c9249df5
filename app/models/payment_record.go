package models

import "time"

// Payment status vocabulary mirrors the provider's.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusApproved  = "approved"
	PaymentStatusInProcess = "in_process"
	PaymentStatusRejected  = "rejected"
	PaymentStatusCancelled = "cancelled"
	PaymentStatusRefunded  = "refunded"
)

// PaymentRecord is the local mirror of one provider-side payment. Rows are
// only ever written by the reconciler, upserted by payment id.
type PaymentRecord struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	PaymentID       string    `gorm:"column:payment_id;type:varchar(64);not null;uniqueIndex:ux_mp_payments_payment" json:"payment_id"`
	Status          string    `gorm:"type:varchar(20);not null;index" json:"status"`
	StatusDetail    string    `gorm:"type:varchar(100);default:''" json:"status_detail"`
	Amount          float64   `gorm:"type:decimal(12,2);not null;default:0" json:"amount"`
	PayerEmail      string    `gorm:"type:varchar(200);default:''" json:"payer_email"`
	OrderID         string    `gorm:"column:order_id;type:varchar(64);default:'';index" json:"order_id"`
	MerchantOrderID string    `gorm:"type:varchar(64);default:''" json:"merchant_order_id"`
	PreferenceID    string    `gorm:"type:varchar(128);default:''" json:"preference_id"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PaymentRecord) TableName() string {
	return "mp_payments"
}
