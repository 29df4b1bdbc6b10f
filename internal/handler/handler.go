// Package handler содержит HTTP-обработчики API сервиса магазина.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-system/internal/cache"
	"github.com/mmeshcher/storefront-system/internal/model"
	"github.com/mmeshcher/storefront-system/internal/payment"
	"github.com/mmeshcher/storefront-system/internal/pricing"
	"github.com/mmeshcher/storefront-system/internal/repository"
	"github.com/mmeshcher/storefront-system/internal/service"
	"github.com/mmeshcher/storefront-system/internal/validation"
)

// maxWebhookBody ограничивает размер тела вебхука.
const maxWebhookBody = 1 << 20

// productsCachePrefix — префикс ключей кэша выборок каталога.
const productsCachePrefix = "products"

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	InitiatePayment(ctx context.Context, req service.PaymentRequest) (*service.PaymentResult, error)
	EnqueueWebhookEvent(evt payment.Event) bool

	ValidateCart(items []model.CartItem, shippingMethod string) error
	PlaceOrder(ctx context.Context, req service.OrderRequest) (*service.OrderConfirmation, error)

	GetProducts(ctx context.Context, filter repository.ProductFilter) ([]model.Product, error)
	GetProductByID(ctx context.Context, id int64) (*model.Product, error)
	CreateProduct(ctx context.Context, p model.Product) (*model.Product, error)
	UpdateProduct(ctx context.Context, p model.Product) (*model.Product, error)
	DeleteProduct(ctx context.Context, id int64) error

	GetOrders(ctx context.Context) ([]model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) (*model.Order, error)

	CreateLead(ctx context.Context, l model.Lead) (*model.Lead, error)
	GetLeads(ctx context.Context) ([]model.Lead, error)
	UpdateLead(ctx context.Context, id int64, status, notes *string) (*model.Lead, error)

	GetContent(ctx context.Context, path string, draft bool) (json.RawMessage, error)
	SaveContentDraft(ctx context.Context, path string, data json.RawMessage) error
	PublishContent(ctx context.Context, path string) error
}

// Handler реализует HTTP-обработчики API сервиса магазина.
type Handler struct {
	service       Service
	logger        *zap.Logger
	cache         *cache.Cache
	webhookSecret string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, c *cache.Cache, webhookSecret string) *Handler {
	return &Handler{
		service:       s,
		logger:        logger,
		cache:         c,
		webhookSecret: webhookSecret,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError отображает доменные ошибки на HTTP-статусы:
// нарушения логистики, расхождение цены, некорректное количество и
// нехватка остатков — 400,
// неизвестный товар — 404, недопустимый повтор оплаты — 409,
// отказ платёжного процессора — 502.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op string) {
	var (
		logistics  *validation.LogisticsViolationError
		mismatch   *service.PriceMismatchError
		stock      *service.InsufficientStockError
		quantity   *pricing.InvalidQuantityError
		notFound   *pricing.ProductNotFoundError
		transition *service.InvalidStateTransitionError
		gateway    *payment.GatewayError
	)

	switch {
	case errors.As(err, &logistics), errors.As(err, &mismatch),
		errors.As(err, &stock), errors.As(err, &quantity):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &transition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &gateway):
		h.logger.Error(op, zap.Error(err))
		writeError(w, http.StatusBadGateway, "payment processor unavailable")
	default:
		h.logger.Error(op, zap.Error(err))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

type createIntentRequest struct {
	Items          []model.CartItem `json:"items"`
	Total          int64            `json:"total"`
	Currency       string           `json:"currency"`
	CustomerEmail  string           `json:"customer_email"`
	ShippingMethod string           `json:"shipping_method"`
	IdempotencyKey string           `json:"idempotency_key"`
}

type createIntentResponse struct {
	ClientSecret    string `json:"client_secret"`
	PaymentIntentID string `json:"payment_intent_id"`
}

// CreateIntent сверяет корзину с каталогом и создаёт платёжное намерение.
// Ключ идемпотентности берётся из заголовка Idempotency-Key, при его
// отсутствии — из тела запроса.
func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "cart is empty")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}

	res, err := h.service.InitiatePayment(r.Context(), service.PaymentRequest{
		Items:            req.Items,
		ClientTotalCents: req.Total,
		Currency:         req.Currency,
		IdempotencyKey:   key,
		CustomerEmail:    req.CustomerEmail,
		ShippingMethod:   req.ShippingMethod,
	})
	if err != nil {
		h.writeServiceError(w, err, "create intent error")
		return
	}

	writeJSON(w, http.StatusOK, createIntentResponse{
		ClientSecret:    res.ClientSecret,
		PaymentIntentID: res.PaymentRef,
	})
}

// StripeWebhook принимает события платёжного процессора. Подпись проверяется
// до разбора тела; проверенное событие ставится в очередь фоновой обработки.
// Успех подтверждается только после постановки в очередь: при переполненной
// очереди ответ 503 заставляет процессор повторить доставку позже.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}

	if err := payment.VerifySignature(body, r.Header.Get("Stripe-Signature"), h.webhookSecret); err != nil {
		h.logger.Warn("webhook signature rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	evt, err := payment.ParseEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	if !h.service.EnqueueWebhookEvent(*evt) {
		writeError(w, http.StatusServiceUnavailable, "event queue is full, retry later")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// GetProducts возвращает товары каталога. Выборки кэшируются; при недоступном
// кэше запрос идёт напрямую в хранилище.
func (h *Handler) GetProducts(w http.ResponseWriter, r *http.Request) {
	filter := repository.ProductFilter{
		Query:    r.URL.Query().Get("q"),
		Category: r.URL.Query().Get("category"),
	}
	if v := r.URL.Query().Get("min_price"); v != "" {
		if cents, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.MinPriceCents = &cents
		}
	}
	if v := r.URL.Query().Get("max_price"); v != "" {
		if cents, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.MaxPriceCents = &cents
		}
	}

	key := cache.Key(productsCachePrefix, filter.Query, filter.Category,
		r.URL.Query().Get("min_price"), r.URL.Query().Get("max_price"))
	if cached := h.cache.Get(r.Context(), key); cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(cached)
		return
	}

	products, err := h.service.GetProducts(r.Context(), filter)
	if err != nil {
		h.logger.Error("get products error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	if products == nil {
		products = []model.Product{}
	}

	payload, err := json.Marshal(products)
	if err != nil {
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	h.cache.Set(r.Context(), key, payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// GetProduct возвращает товар по идентификатору.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}

	product, err := h.service.GetProductByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		h.logger.Error("get product error", zap.Error(err), zap.Int64("id", id))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusOK, product)
}

// CreateProduct добавляет товар в каталог и сбрасывает кэш выборок.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var p model.Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if p.Name == "" || p.PriceCents <= 0 {
		writeError(w, http.StatusBadRequest, "name and positive price are required")
		return
	}

	created, err := h.service.CreateProduct(r.Context(), p)
	if err != nil {
		h.logger.Error("create product error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	h.cache.InvalidatePrefix(r.Context(), productsCachePrefix)
	writeJSON(w, http.StatusCreated, created)
}

// UpdateProduct сохраняет изменённый товар и сбрасывает кэш выборок.
func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}

	var p model.Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p.ID = id

	updated, err := h.service.UpdateProduct(r.Context(), p)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		h.logger.Error("update product error", zap.Error(err), zap.Int64("id", id))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	h.cache.InvalidatePrefix(r.Context(), productsCachePrefix)
	writeJSON(w, http.StatusOK, updated)
}

// DeleteProduct удаляет товар из каталога и сбрасывает кэш выборок.
func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}

	if err := h.service.DeleteProduct(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		h.logger.Error("delete product error", zap.Error(err), zap.Int64("id", id))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	h.cache.InvalidatePrefix(r.Context(), productsCachePrefix)
	w.WriteHeader(http.StatusNoContent)
}

type cartValidateRequest struct {
	Items          []model.CartItem `json:"items"`
	ShippingMethod string           `json:"shipping_method"`
}

// ValidateCart проверяет корзину на соответствие логистическим правилам
// до перехода к оплате.
func (h *Handler) ValidateCart(w http.ResponseWriter, r *http.Request) {
	var req cartValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.service.ValidateCart(req.Items, req.ShippingMethod); err != nil {
		var logistics *validation.LogisticsViolationError
		if errors.As(err, &logistics) {
			writeJSON(w, http.StatusOK, map[string]any{"valid": false, "reason": err.Error()})
			return
		}
		h.logger.Error("validate cart error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

type placeOrderRequest struct {
	Items          []model.CartItem `json:"items"`
	CustomerEmail  string           `json:"customer_email"`
	ShippingMethod string           `json:"shipping_method"`
	DiscountCode   string           `json:"discount_code"`
}

// PlaceOrder размещает заказ с оплатой при получении.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "cart is empty")
		return
	}

	conf, err := h.service.PlaceOrder(r.Context(), service.OrderRequest{
		Items:          req.Items,
		CustomerEmail:  req.CustomerEmail,
		ShippingMethod: req.ShippingMethod,
		DiscountCode:   req.DiscountCode,
	})
	if err != nil {
		h.writeServiceError(w, err, "place order error")
		return
	}

	writeJSON(w, http.StatusOK, conf)
}

// GetAdminOrders возвращает все заказы для административного интерфейса.
func (h *Handler) GetAdminOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.GetOrders(r.Context())
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}

	writeJSON(w, http.StatusOK, orders)
}

type updateOrderStatusRequest struct {
	Status string `json:"status"`
}

// UpdateOrderStatus выставляет статус заказа из административного интерфейса.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := urlParam(r, "id")

	var req updateOrderStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status := model.OrderStatus(req.Status)
	switch status {
	case model.OrderStatusAwaitingPayment, model.OrderStatusPaid,
		model.OrderStatusFulfilled, model.OrderStatusCancelled:
	default:
		writeError(w, http.StatusBadRequest, "unknown order status")
		return
	}

	order, err := h.service.UpdateOrderStatus(r.Context(), orderID, status)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.Error("update order status error", zap.Error(err), zap.String("order_id", orderID))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// CreateLead сохраняет заявку с контактной формы.
func (h *Handler) CreateLead(w http.ResponseWriter, r *http.Request) {
	var lead model.Lead
	if err := json.NewDecoder(r.Body).Decode(&lead); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if lead.Email == "" && lead.Phone == "" {
		writeError(w, http.StatusBadRequest, "email or phone is required")
		return
	}

	created, err := h.service.CreateLead(r.Context(), lead)
	if err != nil {
		h.logger.Error("create lead error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

// GetLeads возвращает все заявки для административного интерфейса.
func (h *Handler) GetLeads(w http.ResponseWriter, r *http.Request) {
	leads, err := h.service.GetLeads(r.Context())
	if err != nil {
		h.logger.Error("get leads error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	if leads == nil {
		leads = []model.Lead{}
	}

	writeJSON(w, http.StatusOK, leads)
}

type updateLeadRequest struct {
	Status *string `json:"status"`
	Notes  *string `json:"notes"`
}

// UpdateLead обновляет статус и примечания заявки.
func (h *Handler) UpdateLead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(urlParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lead id")
		return
	}

	var req updateLeadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	lead, err := h.service.UpdateLead(r.Context(), id, req.Status, req.Notes)
	if err != nil {
		if errors.Is(err, repository.ErrLeadNotFound) {
			writeError(w, http.StatusNotFound, "lead not found")
			return
		}
		h.logger.Error("update lead error", zap.Error(err), zap.Int64("id", id))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusOK, lead)
}

// GetContent возвращает содержимое страницы. Параметр draft=true отдаёт
// черновик, если он есть.
func (h *Handler) GetContent(w http.ResponseWriter, r *http.Request) {
	path := contentPath(r)
	draft := r.URL.Query().Get("draft") == "true"

	data, err := h.service.GetContent(r.Context(), path, draft)
	if err != nil {
		h.logger.Error("get content error", zap.Error(err), zap.String("path", path))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// SaveContent сохраняет черновик страницы.
func (h *Handler) SaveContent(w http.ResponseWriter, r *http.Request) {
	path := contentPath(r)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil || !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body must be valid JSON")
		return
	}

	if err := h.service.SaveContentDraft(r.Context(), path, body); err != nil {
		h.logger.Error("save content error", zap.Error(err), zap.String("path", path))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "draft saved"})
}

// PublishContent публикует черновик страницы.
func (h *Handler) PublishContent(w http.ResponseWriter, r *http.Request) {
	path := contentPath(r)

	if err := h.service.PublishContent(r.Context(), path); err != nil {
		if errors.Is(err, repository.ErrNoDraft) {
			writeError(w, http.StatusBadRequest, "no draft to publish")
			return
		}
		h.logger.Error("publish content error", zap.Error(err), zap.String("path", path))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "published"})
}

// Health проверяет живость сервиса.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func productID(r *http.Request) (int64, error) {
	return strconv.ParseInt(urlParam(r, "id"), 10, 64)
}

// contentPath нормализует путь страницы из wildcard-параметра маршрута.
func contentPath(r *http.Request) string {
	path := strings.Trim(urlParam(r, "*"), "/")
	if path == "" {
		path = "home"
	}
	return path
}
