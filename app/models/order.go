package models

import "time"

// Order status state machine: pending -> paid -> shipped, or
// pending -> cancelled. Terminal states never regress.
const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusShipped   = "shipped"
	OrderStatusCancelled = "cancelled"
)

// Order is created by the storefront checkout with a pending status. The
// reconciler drives its transitions from reconciled payment events; the
// back office advances paid orders to shipped.
type Order struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"column:user_id;type:varchar(64);default:'';index" json:"user_id"`
	Status    string    `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Total     float64   `gorm:"type:decimal(12,2);not null;default:0" json:"total"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

// CanTransitionOrderStatus reports whether moving an order from one status
// to another is a legal transition.
func CanTransitionOrderStatus(from, to string) bool {
	if from == to {
		return false
	}
	switch from {
	case OrderStatusPending:
		return to == OrderStatusPaid || to == OrderStatusCancelled
	case OrderStatusPaid:
		return to == OrderStatusShipped
	default:
		// shipped and cancelled are terminal
		return false
	}
}
