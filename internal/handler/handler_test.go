package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-system/internal/cache"
	"github.com/mmeshcher/storefront-system/internal/model"
	"github.com/mmeshcher/storefront-system/internal/payment"
	"github.com/mmeshcher/storefront-system/internal/repository"
	"github.com/mmeshcher/storefront-system/internal/service"
	"github.com/mmeshcher/storefront-system/internal/validation"
)

type stubService struct {
	paymentResult *service.PaymentResult
	paymentErr    error

	enqueued    []payment.Event
	enqueueFull bool

	validateErr error

	orderConf *service.OrderConfirmation
	orderErr  error

	productsResp []model.Product
	productsErr  error

	productResp *model.Product
	productErr  error

	ordersResp []model.Order
	ordersErr  error

	updatedOrder   *model.Order
	updateOrderErr error

	leadResp *model.Lead
	leadErr  error

	leadsResp []model.Lead
	leadsErr  error

	contentResp json.RawMessage
	contentErr  error

	saveContentErr    error
	publishContentErr error
}

func (s *stubService) InitiatePayment(ctx context.Context, req service.PaymentRequest) (*service.PaymentResult, error) {
	return s.paymentResult, s.paymentErr
}

func (s *stubService) EnqueueWebhookEvent(evt payment.Event) bool {
	if s.enqueueFull {
		return false
	}
	s.enqueued = append(s.enqueued, evt)
	return true
}

func (s *stubService) ValidateCart(items []model.CartItem, shippingMethod string) error {
	return s.validateErr
}

func (s *stubService) PlaceOrder(ctx context.Context, req service.OrderRequest) (*service.OrderConfirmation, error) {
	return s.orderConf, s.orderErr
}

func (s *stubService) GetProducts(ctx context.Context, filter repository.ProductFilter) ([]model.Product, error) {
	return s.productsResp, s.productsErr
}

func (s *stubService) GetProductByID(ctx context.Context, id int64) (*model.Product, error) {
	return s.productResp, s.productErr
}

func (s *stubService) CreateProduct(ctx context.Context, p model.Product) (*model.Product, error) {
	return &p, nil
}

func (s *stubService) UpdateProduct(ctx context.Context, p model.Product) (*model.Product, error) {
	return &p, nil
}

func (s *stubService) DeleteProduct(ctx context.Context, id int64) error { return nil }

func (s *stubService) GetOrders(ctx context.Context) ([]model.Order, error) {
	return s.ordersResp, s.ordersErr
}

func (s *stubService) UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) (*model.Order, error) {
	return s.updatedOrder, s.updateOrderErr
}

func (s *stubService) CreateLead(ctx context.Context, l model.Lead) (*model.Lead, error) {
	return s.leadResp, s.leadErr
}

func (s *stubService) GetLeads(ctx context.Context) ([]model.Lead, error) {
	return s.leadsResp, s.leadsErr
}

func (s *stubService) UpdateLead(ctx context.Context, id int64, status, notes *string) (*model.Lead, error) {
	return s.leadResp, s.leadErr
}

func (s *stubService) GetContent(ctx context.Context, path string, draft bool) (json.RawMessage, error) {
	return s.contentResp, s.contentErr
}

func (s *stubService) SaveContentDraft(ctx context.Context, path string, data json.RawMessage) error {
	return s.saveContentErr
}

func (s *stubService) PublishContent(ctx context.Context, path string) error {
	return s.publishContentErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	c := cache.New(context.Background(), "", zap.NewNop())

	return NewHandler(svc, zap.NewNop(), c, "whsec_test")
}

func intentBody(t *testing.T) []byte {
	t.Helper()

	body, err := json.Marshal(createIntentRequest{
		Items: []model.CartItem{
			{ProductID: 1, Category: "WINDOW_AC", Name: "GE 8000 BTU Window Unit", Quantity: 2},
		},
		Total:         2468,
		Currency:      "usd",
		CustomerEmail: "buyer@example.com",
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return body
}

func TestCreateIntent_Success(t *testing.T) {
	svc := &stubService{
		paymentResult: &service.PaymentResult{ClientSecret: "pi_1_secret", PaymentRef: "pi_1"},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/create-intent", bytes.NewReader(intentBody(t)))
	req.Header.Set("Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()

	h.CreateIntent(rec, req)

	res := rec.Result()
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp createIntentResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ClientSecret != "pi_1_secret" || resp.PaymentIntentID != "pi_1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCreateIntent_PriceMismatch(t *testing.T) {
	svc := &stubService{
		paymentErr: &service.PriceMismatchError{ClientTotalCents: 2467, ServerTotalCents: 2468},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/create-intent", bytes.NewReader(intentBody(t)))
	rec := httptest.NewRecorder()

	h.CreateIntent(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCreateIntent_InvalidState(t *testing.T) {
	svc := &stubService{
		paymentErr: &service.InvalidStateTransitionError{Status: model.OrderStatusCancelled},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/create-intent", bytes.NewReader(intentBody(t)))
	rec := httptest.NewRecorder()

	h.CreateIntent(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestCreateIntent_GatewayDown(t *testing.T) {
	svc := &stubService{
		paymentErr: &payment.GatewayError{StatusCode: 500, Message: "processor down"},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/create-intent", bytes.NewReader(intentBody(t)))
	rec := httptest.NewRecorder()

	h.CreateIntent(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestCreateIntent_EmptyCart(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/create-intent", bytes.NewReader([]byte(`{"items":[],"total":0}`)))
	rec := httptest.NewRecorder()

	h.CreateIntent(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func signWebhook(body []byte, secret string) string {
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(body)
	return fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeWebhook_Accepted(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body := []byte(`{
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_123", "amount_received": 2468}}
	}`)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", signWebhook(body, "whsec_test"))
	rec := httptest.NewRecorder()

	h.StripeWebhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if len(svc.enqueued) != 1 {
		t.Fatalf("enqueued = %d events, want 1", len(svc.enqueued))
	}
	if svc.enqueued[0].PaymentRef != "pi_123" {
		t.Fatalf("payment ref = %q, want pi_123", svc.enqueued[0].PaymentRef)
	}
}

func TestStripeWebhook_BadSignature(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_123"}}}`)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", signWebhook(body, "whsec_wrong"))
	rec := httptest.NewRecorder()

	h.StripeWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if len(svc.enqueued) != 0 {
		t.Fatalf("event enqueued despite invalid signature")
	}
}

func TestStripeWebhook_QueueFullRetriable(t *testing.T) {
	svc := &stubService{enqueueFull: true}
	h := newTestHandler(t, svc)

	body := []byte(`{
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_123", "amount_received": 2468}}
	}`)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", signWebhook(body, "whsec_test"))
	rec := httptest.NewRecorder()

	h.StripeWebhook(rec, req)

	// Не-2xx ответ: процессор обязан повторить доставку.
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if len(svc.enqueued) != 0 {
		t.Fatalf("event must not be recorded as accepted")
	}
}

func TestStripeWebhook_MalformedPayload(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body := []byte(`not json`)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", signWebhook(body, "whsec_test"))
	rec := httptest.NewRecorder()

	h.StripeWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetProducts_JSONResponse(t *testing.T) {
	svc := &stubService{
		productsResp: []model.Product{
			{ID: 1, Name: "GE 8000 BTU Window Unit", PriceCents: 1234, Category: "WINDOW_AC", Stock: 10},
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products?category=WINDOW_AC", nil)
	rec := httptest.NewRecorder()

	h.GetProducts(rec, req)

	res := rec.Result()
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var products []model.Product
	if err := json.NewDecoder(res.Body).Decode(&products); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(products) != 1 || products[0].PriceCents != 1234 {
		t.Fatalf("unexpected products: %+v", products)
	}
}

func TestValidateCart_LogisticsViolation(t *testing.T) {
	svc := &stubService{
		validateErr: &validation.LogisticsViolationError{
			ItemName:       "GE 8000 BTU Window Unit",
			ShippingMethod: "SHIP_OAHU",
		},
	}
	h := newTestHandler(t, svc)

	body := []byte(`{"items":[{"product_id":1,"category":"WINDOW_AC","quantity":1}],"shipping_method":"SHIP_OAHU"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/validate", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ValidateCart(rec, req)

	res := rec.Result()
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Valid {
		t.Fatalf("cart with violation must be invalid")
	}
	if resp.Reason == "" {
		t.Fatalf("reason must be populated")
	}
}

func TestPlaceOrder_StockError(t *testing.T) {
	svc := &stubService{
		orderErr: &service.InsufficientStockError{ItemName: "Daikin 12000 BTU Split", Stock: 1},
	}
	h := newTestHandler(t, svc)

	body := []byte(`{"items":[{"product_id":1,"quantity":3}]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.PlaceOrder(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nonexistent", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
