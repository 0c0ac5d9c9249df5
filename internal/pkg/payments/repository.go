package payments

import (
	"context"
	"errors"

	"github.com/allinclusive-ar/mp-payments/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides the DB operations used by the payment pipeline.
type Repository interface {
	GetSellerCredential(ctx context.Context, sellerID string) (*models.SellerCredential, error)
	UpsertSellerCredential(ctx context.Context, cred *models.SellerCredential) error
	UpsertPaymentRecord(ctx context.Context, rec *models.PaymentRecord) error
	LastHistoryStatus(ctx context.Context, paymentID string) (string, error)
	AppendHistory(ctx context.Context, entry *models.PaymentHistoryEntry) error
	GetOrder(ctx context.Context, id uint) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, id uint, from, to string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a payment repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetSellerCredential(ctx context.Context, sellerID string) (*models.SellerCredential, error) {
	var cred models.SellerCredential
	err := r.db.WithContext(ctx).Where("user_id = ?", sellerID).First(&cred).Error
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (r *gormRepository) UpsertSellerCredential(ctx context.Context, cred *models.SellerCredential) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"mp_user_id",
			"access_token",
			"refresh_token",
			"token_type",
			"scope",
			"expires_in",
			"updated_at",
		}),
	}).Create(cred).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return r.db.WithContext(ctx).Where("user_id = ?", cred.SellerID).First(cred).Error
}

func (r *gormRepository) UpsertPaymentRecord(ctx context.Context, rec *models.PaymentRecord) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "payment_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"status",
			"status_detail",
			"amount",
			"payer_email",
			"order_id",
			"merchant_order_id",
			"preference_id",
			"updated_at",
		}),
	}).Create(rec).Error; err != nil {
		return err
	}

	return r.db.WithContext(ctx).Where("payment_id = ?", rec.PaymentID).First(rec).Error
}

func (r *gormRepository) LastHistoryStatus(ctx context.Context, paymentID string) (string, error) {
	var entry models.PaymentHistoryEntry
	err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).Order("id DESC").First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return entry.Status, nil
}

func (r *gormRepository) AppendHistory(ctx context.Context, entry *models.PaymentHistoryEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *gormRepository) GetOrder(ctx context.Context, id uint) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).First(&order, id).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatus applies a conditional update so concurrent reconcilers
// cannot regress a state that moved under us.
func (r *gormRepository) UpdateOrderStatus(ctx context.Context, id uint, from, to string) error {
	return r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to).Error
}
