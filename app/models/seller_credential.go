package models

import "time"

// SellerCredential stores one seller's Mercado Pago OAuth linkage. At most
// one row exists per seller id; writes go through upserts with
// last-write-wins semantics.
type SellerCredential struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	SellerID          string    `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:ux_mp_credentials_user" json:"user_id"`
	ProviderAccountID string    `gorm:"column:mp_user_id;type:varchar(64);default:''" json:"mp_user_id"`
	AccessToken       string    `gorm:"type:text" json:"-"`
	RefreshToken      string    `gorm:"type:text" json:"-"`
	TokenType         string    `gorm:"type:varchar(20);default:''" json:"token_type"`
	Scope             string    `gorm:"type:varchar(255);default:''" json:"scope"`
	ExpiresIn         int       `gorm:"default:0" json:"expires_in"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SellerCredential) TableName() string {
	return "mp_credentials"
}
