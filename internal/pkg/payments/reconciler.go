package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/allinclusive-ar/mp-payments/app/models"
	"github.com/allinclusive-ar/mp-payments/internal/pkg/mercadopago"
	"github.com/allinclusive-ar/mp-payments/internal/pkg/messaging"
)

const paymentMethodLabel = "Mercado Pago"

// LedgerMode controls when a reconciliation observation is appended to the
// history ledger.
type LedgerMode string

const (
	// LedgerTransitions appends only when the observed status differs from
	// the last recorded one, so duplicate deliveries do not duplicate audit
	// rows.
	LedgerTransitions LedgerMode = "transitions"
	// LedgerAllDeliveries appends one row per observation.
	LedgerAllDeliveries LedgerMode = "all"
)

func LedgerModeFromString(s string) LedgerMode {
	if strings.EqualFold(strings.TrimSpace(s), string(LedgerAllDeliveries)) {
		return LedgerAllDeliveries
	}
	return LedgerTransitions
}

// EventPublisher is satisfied by messaging.Publisher. It stays an interface
// so tests can observe published events without a broker.
type EventPublisher interface {
	PublishPaymentReconciled(event messaging.PaymentReconciledEvent) error
}

// Reconciler classifies verified notifications, fetches the authoritative
// resource from the provider and mutates local payment, ledger and order
// state idempotently. It uses the same credential source as preference
// creation, so both halves of the pipeline follow one mode decision.
type Reconciler struct {
	Repo      Repository
	Client    *mercadopago.Client
	Source    CredentialSource
	SellerID  string
	Ledger    LedgerMode
	Publisher EventPublisher
}

func NewReconciler(repo Repository, client *mercadopago.Client, source CredentialSource, sellerID string, ledger LedgerMode) *Reconciler {
	return &Reconciler{
		Repo:     repo,
		Client:   client,
		Source:   source,
		SellerID: sellerID,
		Ledger:   ledger,
	}
}

// HandleNotification processes one verified webhook delivery. A nil return
// means the event was handled or deliberately discarded; an error means a
// processing failure an operator should see. Either way the HTTP layer
// acknowledges the delivery.
func (r *Reconciler) HandleNotification(ctx context.Context, n Notification) error {
	topic := n.TopicOrType()
	resourceID := n.ResourceID()
	if topic == "" || resourceID == "" {
		log.Printf("webhook: malformed notification discarded (topic=%q id=%q)", topic, resourceID)
		return nil
	}

	switch topic {
	case "merchant_order":
		return r.reconcileMerchantOrder(ctx, resourceID)
	case "payment":
		return r.reconcilePayment(ctx, resourceID)
	default:
		// Forward compatibility with provider event types we do not handle.
		log.Printf("webhook: ignoring notification topic %q (id=%s)", topic, resourceID)
		return nil
	}
}

func (r *Reconciler) reconcileMerchantOrder(ctx context.Context, orderID string) error {
	var order *mercadopago.MerchantOrder
	err := r.fetchWithRefresh(ctx, func(token string) error {
		var fetchErr error
		order, fetchErr = r.Client.GetMerchantOrder(ctx, token, orderID)
		return fetchErr
	})
	if err != nil {
		return fmt.Errorf("fetching merchant order %s: %w", orderID, err)
	}

	if len(order.Payments) == 0 {
		// Nothing to reconcile yet; the provider will notify again once a
		// payment attempt lands.
		return nil
	}

	for _, p := range order.Payments {
		np := NormalizedPayment{
			PaymentID:       p.ID.String(),
			Status:          p.Status,
			StatusDetail:    p.StatusDetail,
			Amount:          p.TotalPaidAmount,
			Currency:        p.CurrencyID,
			OrderRef:        order.ExternalReference,
			MerchantOrderID: order.ID.String(),
			PreferenceID:    order.PreferenceID,
			RawPayload:      string(p.Raw),
		}
		if err := r.applyPayment(ctx, np); err != nil {
			return fmt.Errorf("applying payment %s from merchant order %s: %w", np.PaymentID, orderID, err)
		}
	}
	return nil
}

func (r *Reconciler) reconcilePayment(ctx context.Context, paymentID string) error {
	var payment *mercadopago.Payment
	var raw []byte
	err := r.fetchWithRefresh(ctx, func(token string) error {
		var fetchErr error
		payment, raw, fetchErr = r.Client.GetPayment(ctx, token, paymentID)
		return fetchErr
	})
	if err != nil {
		return fmt.Errorf("fetching payment %s: %w", paymentID, err)
	}

	np := NormalizedPayment{
		PaymentID:       payment.ID.String(),
		Status:          payment.Status,
		StatusDetail:    payment.StatusDetail,
		Amount:          payment.TransactionAmount,
		Currency:        payment.CurrencyID,
		PayerEmail:      payment.Payer.Email,
		OrderRef:        payment.ExternalReference,
		MerchantOrderID: payment.MerchantOrderID.String(),
		PreferenceID:    payment.PreferenceID,
		RawPayload:      string(raw),
	}
	if err := r.applyPayment(ctx, np); err != nil {
		return fmt.Errorf("applying payment %s: %w", paymentID, err)
	}
	return nil
}

// fetchWithRefresh runs the provider fetch with the resolved access token.
// When the credential source can refresh (per-seller mode) an unauthorized
// response is retried exactly once with a fresh token; a fixed token has no
// refresh path, so the unauthorized response is surfaced directly. A second
// unauthorized response is never retried.
func (r *Reconciler) fetchWithRefresh(ctx context.Context, fetch func(token string) error) error {
	token, err := r.Source.AccessToken(ctx, r.SellerID)
	if err != nil {
		return fmt.Errorf("resolving provider credentials: %w", err)
	}

	err = fetch(token)
	if !errors.Is(err, mercadopago.ErrUnauthorized) {
		return err
	}

	refresher, ok := r.Source.(TokenRefresher)
	if !ok {
		return err
	}
	fresh, err := refresher.RefreshAccessToken(ctx, r.SellerID, token)
	if err != nil {
		return err
	}
	return fetch(fresh)
}

func (r *Reconciler) applyPayment(ctx context.Context, np NormalizedPayment) error {
	rec := &models.PaymentRecord{
		PaymentID:       np.PaymentID,
		Status:          np.Status,
		StatusDetail:    np.StatusDetail,
		Amount:          np.Amount,
		PayerEmail:      np.PayerEmail,
		OrderID:         np.OrderRef,
		MerchantOrderID: np.MerchantOrderID,
		PreferenceID:    np.PreferenceID,
	}
	if err := r.Repo.UpsertPaymentRecord(ctx, rec); err != nil {
		return err
	}

	appendEntry := true
	if r.Ledger == LedgerTransitions {
		last, err := r.Repo.LastHistoryStatus(ctx, np.PaymentID)
		if err != nil {
			return err
		}
		appendEntry = last != np.Status
	}
	if appendEntry {
		entry := &models.PaymentHistoryEntry{
			UserID:       np.OrderRef,
			Method:       paymentMethodLabel,
			Amount:       np.Amount,
			Currency:     np.Currency,
			PreferenceID: np.PreferenceID,
			PaymentID:    np.PaymentID,
			Status:       np.Status,
			ObservedAt:   time.Now(),
			RawPayload:   np.RawPayload,
		}
		if err := r.Repo.AppendHistory(ctx, entry); err != nil {
			return err
		}
	}

	if err := r.transitionOrder(ctx, np); err != nil {
		return err
	}

	if r.Publisher != nil {
		evt := messaging.PaymentReconciledEvent{
			PaymentID: np.PaymentID,
			OrderID:   np.OrderRef,
			Status:    np.Status,
			Amount:    np.Amount,
			Currency:  np.Currency,
		}
		if err := r.Publisher.PublishPaymentReconciled(evt); err != nil {
			// Fan-out is best effort; the ledger already holds the event.
			log.Printf("webhook: publish failed for payment %s: %v", np.PaymentID, err)
		}
	}
	return nil
}

// transitionOrder drives the order state machine from the reconciled payment
// status. Guest checkouts and unknown orders are skipped.
func (r *Reconciler) transitionOrder(ctx context.Context, np NormalizedPayment) error {
	target := orderStatusForPayment(np.Status)
	if target == "" {
		return nil
	}
	orderID, err := strconv.ParseUint(np.OrderRef, 10, 64)
	if err != nil {
		return nil
	}

	order, err := r.Repo.GetOrder(ctx, uint(orderID))
	if err != nil {
		log.Printf("webhook: payment %s references unknown order %d", np.PaymentID, orderID)
		return nil
	}
	if !models.CanTransitionOrderStatus(order.Status, target) {
		return nil
	}
	return r.Repo.UpdateOrderStatus(ctx, order.ID, order.Status, target)
}

func orderStatusForPayment(paymentStatus string) string {
	switch paymentStatus {
	case models.PaymentStatusApproved:
		return models.OrderStatusPaid
	case models.PaymentStatusRejected, models.PaymentStatusCancelled:
		return models.OrderStatusCancelled
	default:
		return ""
	}
}
