package models

import "time"

// PaymentHistoryEntry is an append-only ledger row, one per reconciliation
// observation. The raw provider payload is kept verbatim for forensic
// replay. This table is never updated or deleted by the service.
type PaymentHistoryEntry struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       string    `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	Method       string    `gorm:"column:metodo;type:varchar(50);not null" json:"metodo"`
	Amount       float64   `gorm:"column:monto;type:decimal(12,2);not null;default:0" json:"monto"`
	Currency     string    `gorm:"column:moneda;type:varchar(10);default:''" json:"moneda"`
	PreferenceID string    `gorm:"type:varchar(128);default:''" json:"preference_id"`
	PaymentID    string    `gorm:"type:varchar(64);not null;index" json:"payment_id"`
	Status       string    `gorm:"type:varchar(20);not null" json:"status"`
	ObservedAt   time.Time `gorm:"column:fecha;not null" json:"fecha"`
	RawPayload   string    `gorm:"column:metadata;type:longtext" json:"metadata"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (PaymentHistoryEntry) TableName() string {
	return "pagos_historial"
}
