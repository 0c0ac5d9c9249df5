package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/allinclusive-ar/mp-payments/app/models"
	"github.com/allinclusive-ar/mp-payments/internal/pkg/mercadopago"
	"github.com/allinclusive-ar/mp-payments/internal/pkg/messaging"
	"gorm.io/gorm"
)

type fakeRepo struct {
	creds   map[string]*models.SellerCredential
	records map[string]*models.PaymentRecord
	history []*models.PaymentHistoryEntry
	orders  map[uint]*models.Order
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		creds:   make(map[string]*models.SellerCredential),
		records: make(map[string]*models.PaymentRecord),
		orders:  make(map[uint]*models.Order),
	}
}

func (f *fakeRepo) GetSellerCredential(ctx context.Context, sellerID string) (*models.SellerCredential, error) {
	cred, ok := f.creds[sellerID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *cred
	return &copied, nil
}

func (f *fakeRepo) UpsertSellerCredential(ctx context.Context, cred *models.SellerCredential) error {
	copied := *cred
	f.creds[cred.SellerID] = &copied
	return nil
}

func (f *fakeRepo) UpsertPaymentRecord(ctx context.Context, rec *models.PaymentRecord) error {
	copied := *rec
	f.records[rec.PaymentID] = &copied
	return nil
}

func (f *fakeRepo) LastHistoryStatus(ctx context.Context, paymentID string) (string, error) {
	for i := len(f.history) - 1; i >= 0; i-- {
		if f.history[i].PaymentID == paymentID {
			return f.history[i].Status, nil
		}
	}
	return "", nil
}

func (f *fakeRepo) AppendHistory(ctx context.Context, entry *models.PaymentHistoryEntry) error {
	copied := *entry
	f.history = append(f.history, &copied)
	return nil
}

func (f *fakeRepo) GetOrder(ctx context.Context, id uint) (*models.Order, error) {
	order, ok := f.orders[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *order
	return &copied, nil
}

func (f *fakeRepo) UpdateOrderStatus(ctx context.Context, id uint, from, to string) error {
	if order, ok := f.orders[id]; ok && order.Status == from {
		order.Status = to
	}
	return nil
}

type capturePublisher struct {
	events []messaging.PaymentReconciledEvent
}

func (p *capturePublisher) PublishPaymentReconciled(event messaging.PaymentReconciledEvent) error {
	p.events = append(p.events, event)
	return nil
}

type providerFixture struct {
	repo       *fakeRepo
	reconciler *Reconciler
	tokenCalls *int32
	fetchCalls *int32
}

// newProviderFixture wires a reconciler against a scripted provider. Fetches
// succeed only with bearer goodToken; the token endpoint always hands out
// goodToken unless refreshTo overrides it.
func newProviderFixture(t *testing.T, goodToken, refreshTo string, payload map[string]interface{}) *providerFixture {
	t.Helper()

	var tokenCalls, fetchCalls int32
	if refreshTo == "" {
		refreshTo = goodToken
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing token form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Fatalf("expected refresh_token grant, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  refreshTo,
			"refresh_token": "refresh-2",
			"token_type":    "bearer",
			"expires_in":    21600,
		})
	})
	serveResource := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetchCalls, 1)
		if r.Header.Get("Authorization") != "Bearer "+goodToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(payload)
	}
	mux.HandleFunc("/v1/payments/", serveResource)
	mux.HandleFunc("/merchant_orders/", serveResource)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := &mercadopago.Client{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		TokenURL:     srv.URL + "/oauth/token",
		APIBaseURL:   srv.URL,
		HTTPClient:   srv.Client(),
	}

	repo := newFakeRepo()
	store := NewCredentialStore(repo, client)
	reconciler := NewReconciler(repo, client, PerSeller{Store: store}, "seller-1", LedgerTransitions)

	return &providerFixture{
		repo:       repo,
		reconciler: reconciler,
		tokenCalls: &tokenCalls,
		fetchCalls: &fetchCalls,
	}
}

func paymentNotification(id string) Notification {
	var n Notification
	body := []byte(`{"topic":"payment","data":{"id":"` + id + `"}}`)
	json.Unmarshal(body, &n)
	return n
}

func approvedPayment9991() map[string]interface{} {
	return map[string]interface{}{
		"id":                 9991,
		"status":             "approved",
		"status_detail":      "accredited",
		"transaction_amount": 45000,
		"currency_id":        "ARS",
		"external_reference": "42",
		"merchant_order_id":  555,
		"preference_id":      "pref-123",
		"payer":              map[string]string{"email": "buyer@example.com"},
	}
}

func TestReconcilePaymentEndToEnd(t *testing.T) {
	fix := newProviderFixture(t, "good-token", "", approvedPayment9991())
	fix.repo.creds["seller-1"] = &models.SellerCredential{SellerID: "seller-1", AccessToken: "good-token", RefreshToken: "refresh-1"}
	fix.repo.orders[42] = &models.Order{ID: 42, UserID: "42", Status: models.OrderStatusPending}

	pub := &capturePublisher{}
	fix.reconciler.Publisher = pub

	if err := fix.reconciler.HandleNotification(context.Background(), paymentNotification("9991")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, ok := fix.repo.records["9991"]
	if !ok {
		t.Fatalf("expected payment record 9991 to exist")
	}
	if rec.Status != models.PaymentStatusApproved || rec.Amount != 45000 || rec.OrderID != "42" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.PayerEmail != "buyer@example.com" || rec.MerchantOrderID != "555" || rec.PreferenceID != "pref-123" {
		t.Fatalf("unexpected record details: %+v", rec)
	}

	if len(fix.repo.history) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(fix.repo.history))
	}
	entry := fix.repo.history[0]
	if entry.PaymentID != "9991" || entry.Status != models.PaymentStatusApproved || entry.Amount != 45000 || entry.Currency != "ARS" {
		t.Fatalf("unexpected ledger entry: %+v", entry)
	}
	if entry.Method != "Mercado Pago" || entry.RawPayload == "" || entry.ObservedAt.IsZero() {
		t.Fatalf("ledger entry missing audit fields: %+v", entry)
	}

	if fix.repo.orders[42].Status != models.OrderStatusPaid {
		t.Fatalf("expected order 42 to be paid, got %s", fix.repo.orders[42].Status)
	}

	if len(pub.events) != 1 || pub.events[0].PaymentID != "9991" || pub.events[0].Status != models.PaymentStatusApproved {
		t.Fatalf("unexpected published events: %+v", pub.events)
	}
}

func TestReconcilePaymentIsIdempotent(t *testing.T) {
	fix := newProviderFixture(t, "good-token", "", approvedPayment9991())
	fix.repo.creds["seller-1"] = &models.SellerCredential{SellerID: "seller-1", AccessToken: "good-token", RefreshToken: "refresh-1"}

	for i := 0; i < 2; i++ {
		if err := fix.reconciler.HandleNotification(context.Background(), paymentNotification("9991")); err != nil {
			t.Fatalf("delivery %d: unexpected error: %v", i+1, err)
		}
	}

	if len(fix.repo.records) != 1 {
		t.Fatalf("expected exactly one payment record, got %d", len(fix.repo.records))
	}
	// transitions mode: the duplicate delivery observes the same status and
	// appends nothing
	if len(fix.repo.history) != 1 {
		t.Fatalf("expected one ledger entry after duplicate delivery, got %d", len(fix.repo.history))
	}
}

func TestReconcileLedgerAllDeliveriesAppendsPerDelivery(t *testing.T) {
	fix := newProviderFixture(t, "good-token", "", approvedPayment9991())
	fix.repo.creds["seller-1"] = &models.SellerCredential{SellerID: "seller-1", AccessToken: "good-token", RefreshToken: "refresh-1"}
	fix.reconciler.Ledger = LedgerAllDeliveries

	for i := 0; i < 2; i++ {
		if err := fix.reconciler.HandleNotification(context.Background(), paymentNotification("9991")); err != nil {
			t.Fatalf("delivery %d: unexpected error: %v", i+1, err)
		}
	}

	if len(fix.repo.history) != 2 {
		t.Fatalf("expected two ledger entries in all-deliveries mode, got %d", len(fix.repo.history))
	}
}

func TestReconcileRefreshesTokenOnceAndRetries(t *testing.T) {
	fix := newProviderFixture(t, "fresh-token", "fresh-token", approvedPayment9991())
	fix.repo.creds["seller-1"] = &models.SellerCredential{SellerID: "seller-1", AccessToken: "stale-token", RefreshToken: "refresh-1"}

	if err := fix.reconciler.HandleNotification(context.Background(), paymentNotification("9991")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := atomic.LoadInt32(fix.tokenCalls); got != 1 {
		t.Fatalf("expected exactly one token refresh, got %d", got)
	}
	if got := atomic.LoadInt32(fix.fetchCalls); got != 2 {
		t.Fatalf("expected exactly two fetch attempts, got %d", got)
	}
	if fix.repo.creds["seller-1"].AccessToken != "fresh-token" {
		t.Fatalf("expected refreshed token to be persisted, got %q", fix.repo.creds["seller-1"].AccessToken)
	}
	if _, ok := fix.repo.records["9991"]; !ok {
		t.Fatalf("expected payment record after refreshed retry")
	}
}

func TestReconcileSurfacesFailureAfterSecondUnauthorized(t *testing.T) {
	// The token endpoint hands out a token the resource endpoint still
	// rejects, so the single retry fails too.
	fix := newProviderFixture(t, "never-issued", "still-bad", approvedPayment9991())
	fix.repo.creds["seller-1"] = &models.SellerCredential{SellerID: "seller-1", AccessToken: "stale-token", RefreshToken: "refresh-1"}

	err := fix.reconciler.HandleNotification(context.Background(), paymentNotification("9991"))
	if err == nil {
		t.Fatalf("expected processing failure after second unauthorized")
	}
	if got := atomic.LoadInt32(fix.tokenCalls); got != 1 {
		t.Fatalf("expected exactly one token refresh, got %d", got)
	}
	if got := atomic.LoadInt32(fix.fetchCalls); got != 2 {
		t.Fatalf("expected exactly two fetch attempts (no retry loop), got %d", got)
	}
	if len(fix.repo.records) != 0 || len(fix.repo.history) != 0 {
		t.Fatalf("expected no mutations on failure")
	}
}

func TestReconcileIgnoresUnknownTopics(t *testing.T) {
	fix := newProviderFixture(t, "good-token", "", approvedPayment9991())
	fix.repo.creds["seller-1"] = &models.SellerCredential{SellerID: "seller-1", AccessToken: "good-token", RefreshToken: "refresh-1"}

	var n Notification
	json.Unmarshal([]byte(`{"topic":"subscription_preapproval","data":{"id":"777"}}`), &n)

	if err := fix.reconciler.HandleNotification(context.Background(), n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fix.repo.records) != 0 || len(fix.repo.history) != 0 {
		t.Fatalf("expected no mutations for unknown topic")
	}
	if got := atomic.LoadInt32(fix.fetchCalls); got != 0 {
		t.Fatalf("expected no provider fetch for unknown topic, got %d", got)
	}
}

func TestReconcileDiscardsMalformedNotifications(t *testing.T) {
	fix := newProviderFixture(t, "good-token", "", approvedPayment9991())

	var n Notification
	json.Unmarshal([]byte(`{"topic":"payment"}`), &n)
	if err := fix.reconciler.HandleNotification(context.Background(), n); err != nil {
		t.Fatalf("unexpected error for missing resource id: %v", err)
	}

	n = Notification{}
	json.Unmarshal([]byte(`{"data":{"id":"9991"}}`), &n)
	if err := fix.reconciler.HandleNotification(context.Background(), n); err != nil {
		t.Fatalf("unexpected error for missing topic: %v", err)
	}

	if len(fix.repo.records) != 0 || len(fix.repo.history) != 0 {
		t.Fatalf("expected no mutations for malformed notifications")
	}
}

func TestReconcileMerchantOrder(t *testing.T) {
	order := map[string]interface{}{
		"id":                 555,
		"external_reference": "42",
		"preference_id":      "pref-123",
		"payments": []map[string]interface{}{
			{
				"id":                9991,
				"status":            "approved",
				"status_detail":     "accredited",
				"total_paid_amount": 45000,
				"currency_id":       "ARS",
			},
			{
				"id":                9992,
				"status":            "rejected",
				"status_detail":     "cc_rejected_other_reason",
				"total_paid_amount": 45000,
				"currency_id":       "ARS",
			},
		},
	}
	fix := newProviderFixture(t, "good-token", "", order)
	fix.repo.creds["seller-1"] = &models.SellerCredential{SellerID: "seller-1", AccessToken: "good-token", RefreshToken: "refresh-1"}
	fix.repo.orders[42] = &models.Order{ID: 42, UserID: "42", Status: models.OrderStatusPending}

	var n Notification
	json.Unmarshal([]byte(`{"topic":"merchant_order","data":{"id":"555"}}`), &n)
	if err := fix.reconciler.HandleNotification(context.Background(), n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(fix.repo.records) != 2 {
		t.Fatalf("expected two payment records, got %d", len(fix.repo.records))
	}
	for _, rec := range fix.repo.records {
		if rec.MerchantOrderID != "555" || rec.OrderID != "42" || rec.PreferenceID != "pref-123" {
			t.Fatalf("unexpected record: %+v", rec)
		}
	}
	if len(fix.repo.history) != 2 {
		t.Fatalf("expected two ledger entries, got %d", len(fix.repo.history))
	}
	// the approved payment lands first and wins the order transition
	if fix.repo.orders[42].Status != models.OrderStatusPaid {
		t.Fatalf("expected order paid, got %s", fix.repo.orders[42].Status)
	}
}

func TestReconcileMerchantOrderWithoutPayments(t *testing.T) {
	order := map[string]interface{}{
		"id":                 555,
		"external_reference": "42",
		"payments":           []map[string]interface{}{},
	}
	fix := newProviderFixture(t, "good-token", "", order)
	fix.repo.creds["seller-1"] = &models.SellerCredential{SellerID: "seller-1", AccessToken: "good-token", RefreshToken: "refresh-1"}

	var n Notification
	json.Unmarshal([]byte(`{"topic":"merchant_order","data":{"id":"555"}}`), &n)
	if err := fix.reconciler.HandleNotification(context.Background(), n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fix.repo.records) != 0 || len(fix.repo.history) != 0 {
		t.Fatalf("expected no mutations for an order without payments")
	}
}

func TestReconcileFixedTokenMode(t *testing.T) {
	fix := newProviderFixture(t, "platform-token", "", approvedPayment9991())
	fix.reconciler.Source = FixedToken("platform-token")
	fix.repo.orders[42] = &models.Order{ID: 42, UserID: "42", Status: models.OrderStatusPending}

	if err := fix.reconciler.HandleNotification(context.Background(), paymentNotification("9991")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := fix.repo.records["9991"]; !ok {
		t.Fatalf("expected payment record in fixed-token mode")
	}
	if fix.repo.orders[42].Status != models.OrderStatusPaid {
		t.Fatalf("expected order 42 to be paid, got %s", fix.repo.orders[42].Status)
	}
	if got := atomic.LoadInt32(fix.tokenCalls); got != 0 {
		t.Fatalf("fixed-token mode must never refresh, got %d token calls", got)
	}
}

func TestReconcileFixedTokenModeSurfacesUnauthorized(t *testing.T) {
	fix := newProviderFixture(t, "platform-token", "", approvedPayment9991())
	fix.reconciler.Source = FixedToken("revoked-token")

	err := fix.reconciler.HandleNotification(context.Background(), paymentNotification("9991"))
	if err == nil {
		t.Fatalf("expected processing failure for a rejected fixed token")
	}
	if got := atomic.LoadInt32(fix.tokenCalls); got != 0 {
		t.Fatalf("fixed-token mode must never refresh, got %d token calls", got)
	}
	if got := atomic.LoadInt32(fix.fetchCalls); got != 1 {
		t.Fatalf("expected a single fetch attempt, got %d", got)
	}
	if len(fix.repo.records) != 0 || len(fix.repo.history) != 0 {
		t.Fatalf("expected no mutations on failure")
	}
}

func TestReconcileFailsWithoutSellerCredentials(t *testing.T) {
	fix := newProviderFixture(t, "good-token", "", approvedPayment9991())

	err := fix.reconciler.HandleNotification(context.Background(), paymentNotification("9991"))
	if err == nil {
		t.Fatalf("expected failure for unlinked seller")
	}
}

func TestReconcileGuestPaymentSkipsOrderTransition(t *testing.T) {
	payload := approvedPayment9991()
	payload["external_reference"] = "guest"
	fix := newProviderFixture(t, "good-token", "", payload)
	fix.repo.creds["seller-1"] = &models.SellerCredential{SellerID: "seller-1", AccessToken: "good-token", RefreshToken: "refresh-1"}

	if err := fix.reconciler.HandleNotification(context.Background(), paymentNotification("9991")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := fix.repo.records["9991"]; !ok {
		t.Fatalf("expected payment record for guest checkout")
	}
}

func TestReconcileDoesNotRegressTerminalOrder(t *testing.T) {
	payload := approvedPayment9991()
	payload["status"] = "cancelled"
	fix := newProviderFixture(t, "good-token", "", payload)
	fix.repo.creds["seller-1"] = &models.SellerCredential{SellerID: "seller-1", AccessToken: "good-token", RefreshToken: "refresh-1"}
	fix.repo.orders[42] = &models.Order{ID: 42, UserID: "42", Status: models.OrderStatusShipped}

	if err := fix.reconciler.HandleNotification(context.Background(), paymentNotification("9991")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fix.repo.orders[42].Status != models.OrderStatusShipped {
		t.Fatalf("terminal order regressed to %s", fix.repo.orders[42].Status)
	}
}
