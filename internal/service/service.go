// Package service реализует бизнес-логику магазина: сверку платежей,
// обработку вебхуков платёжного процессора и операции витрины.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-system/internal/model"
	"github.com/mmeshcher/storefront-system/internal/payment"
	"github.com/mmeshcher/storefront-system/internal/pricing"
	"github.com/mmeshcher/storefront-system/internal/repository"
	"github.com/mmeshcher/storefront-system/internal/validation"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	InsertOrder(ctx context.Context, o *model.Order) error
	FindOrderByID(ctx context.Context, id string) (*model.Order, error)
	FindOrderByIdempotencyKey(ctx context.Context, key string) (*model.Order, error)
	FindOrderByPaymentRef(ctx context.Context, ref string) (*model.Order, error)
	AttachPaymentRef(ctx context.Context, orderID, ref string) error
	UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error
	UpdateOrderEmail(ctx context.Context, orderID, email string) error
	GetOrders(ctx context.Context) ([]model.Order, error)

	GetProducts(ctx context.Context, filter repository.ProductFilter) ([]model.Product, error)
	GetProductByID(ctx context.Context, id int64) (*model.Product, error)
	GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]model.Product, error)
	CreateProduct(ctx context.Context, p model.Product) (*model.Product, error)
	UpdateProduct(ctx context.Context, p model.Product) (*model.Product, error)
	DeleteProduct(ctx context.Context, id int64) error

	CreateLead(ctx context.Context, l model.Lead) (*model.Lead, error)
	GetLeads(ctx context.Context) ([]model.Lead, error)
	UpdateLead(ctx context.Context, id int64, status, notes *string) (*model.Lead, error)

	GetContentPage(ctx context.Context, path string) (*model.ContentPage, error)
	SaveContentDraft(ctx context.Context, path string, data []byte) error
	PublishContent(ctx context.Context, path string) error
}

// PaymentGateway описывает контракт платёжного процессора.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, amountCents int64, currency, idempotencyKey, receiptEmail string) (*payment.Intent, error)
}

// Notifier отправляет подтверждение заказа. Сбои отправки не должны влиять
// на обработку платежа.
type Notifier interface {
	OrderConfirmed(ctx context.Context, email, orderID string, totalCents int64, fulfillmentMode string) error
}

// PriceMismatchError возвращается при расхождении клиентской и серверной
// суммы корзины. Клиент должен обновить корзину и повторить запрос.
type PriceMismatchError struct {
	ClientTotalCents int64
	ServerTotalCents int64
}

func (e *PriceMismatchError) Error() string {
	return fmt.Sprintf("price mismatch: client total %d, server total %d", e.ClientTotalCents, e.ServerTotalCents)
}

// InvalidStateTransitionError возвращается при попытке повторной оплаты
// заказа, уже прошедшего этап платежа.
type InvalidStateTransitionError struct {
	Status model.OrderStatus
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s", e.Status)
}

// InsufficientStockError возвращается, если запрошенное количество
// превышает остаток на складе.
type InsufficientStockError struct {
	ItemName string
	Stock    int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: only %d left", e.ItemName, e.Stock)
}

const webhookQueueSize = 64

// Service содержит бизнес-логику магазина.
type Service struct {
	repo     Repository
	gateway  PaymentGateway
	notifier Notifier
	pricing  *pricing.Engine
	logger   *zap.Logger
	events   chan payment.Event
}

// NewService создаёт сервис с указанным репозиторием, платёжным шлюзом
// и отправителем уведомлений. Notifier может быть nil.
func NewService(repo Repository, gateway PaymentGateway, notifier Notifier, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		gateway:  gateway,
		notifier: notifier,
		pricing:  pricing.NewEngine(catalogSource{repo}),
		logger:   logger,
		events:   make(chan payment.Event, webhookQueueSize),
	}
}

// catalogSource сужает Repository до контракта движка расчёта стоимости.
type catalogSource struct {
	repo Repository
}

func (c catalogSource) GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]model.Product, error) {
	return c.repo.GetProductsByIDs(ctx, ids)
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// PaymentRequest описывает входные данные инициации платежа.
type PaymentRequest struct {
	Items            []model.CartItem
	ClientTotalCents int64
	Currency         string
	IdempotencyKey   string
	CustomerEmail    string
	ShippingMethod   string
}

// PaymentResult содержит данные для подтверждения оплаты на клиенте.
type PaymentResult struct {
	ClientSecret string
	PaymentRef   string
}

// InitiatePayment проводит сверку корзины и создаёт платёжное намерение.
// Сумма пересчитывается по каталогу и сверяется с клиентской; заказ
// создаётся или переиспользуется по ключу идемпотентности; тот же ключ
// уходит процессору, поэтому повтор вызова не приводит ко второму списанию.
func (s *Service) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	shippingMethod := req.ShippingMethod
	if shippingMethod == "" {
		shippingMethod = validation.PickupShippingMethod
	}
	if err := validation.CheckLogistics(req.Items, shippingMethod); err != nil {
		return nil, err
	}

	serverTotal, err := s.pricing.CartTotal(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	if serverTotal != req.ClientTotalCents {
		return nil, &PriceMismatchError{
			ClientTotalCents: req.ClientTotalCents,
			ServerTotalCents: serverTotal,
		}
	}

	order, err := s.findOrCreateOrder(ctx, req, serverTotal)
	if err != nil {
		return nil, err
	}

	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}

	// При ошибке шлюза заказ остаётся в AWAIT_PAYMENT: повтор с тем же
	// ключом безопасен.
	intent, err := s.gateway.CreateIntent(ctx, serverTotal, currency, req.IdempotencyKey, req.CustomerEmail)
	if err != nil {
		return nil, err
	}

	if order.PaymentRef == "" {
		if err := s.repo.AttachPaymentRef(ctx, order.ID, intent.ID); err != nil {
			return nil, err
		}
	}

	return &PaymentResult{ClientSecret: intent.ClientSecret, PaymentRef: intent.ID}, nil
}

// findOrCreateOrder возвращает существующий заказ по ключу идемпотентности
// либо создаёт новый. Проигрыш гонки за вставку (ErrDuplicateKey)
// обрабатывается ровно одним перечитыванием.
func (s *Service) findOrCreateOrder(ctx context.Context, req PaymentRequest, totalCents int64) (*model.Order, error) {
	if req.IdempotencyKey != "" {
		order, err := s.repo.FindOrderByIdempotencyKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			return s.reuseOrder(ctx, order, req)
		case !errors.Is(err, repository.ErrOrderNotFound):
			return nil, err
		}
	}

	snapshot, err := json.Marshal(req.Items)
	if err != nil {
		return nil, fmt.Errorf("marshal items snapshot: %w", err)
	}

	order := &model.Order{
		ID:             uuid.NewString(),
		Status:         model.OrderStatusAwaitingPayment,
		TotalCents:     totalCents,
		IdempotencyKey: req.IdempotencyKey,
		CustomerEmail:  req.CustomerEmail,
		Items:          snapshot,
	}

	if err := s.repo.InsertOrder(ctx, order); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) && req.IdempotencyKey != "" {
			existing, rerr := s.repo.FindOrderByIdempotencyKey(ctx, req.IdempotencyKey)
			if rerr != nil {
				return nil, rerr
			}
			return s.reuseOrder(ctx, existing, req)
		}
		return nil, err
	}

	return order, nil
}

// reuseOrder проверяет допустимость повторной инициации платежа по
// существующему заказу. AWAIT_PAYMENT и PAID — безопасный повтор;
// остальные статусы означают, что заказ уже ушёл дальше этапа оплаты.
func (s *Service) reuseOrder(ctx context.Context, order *model.Order, req PaymentRequest) (*model.Order, error) {
	switch order.Status {
	case model.OrderStatusAwaitingPayment, model.OrderStatusPaid:
	default:
		return nil, &InvalidStateTransitionError{Status: order.Status}
	}

	if req.CustomerEmail != "" && order.CustomerEmail != req.CustomerEmail {
		if err := s.repo.UpdateOrderEmail(ctx, order.ID, req.CustomerEmail); err != nil {
			s.logger.Warn("update order email failed",
				zap.String("order_id", order.ID), zap.Error(err))
		} else {
			order.CustomerEmail = req.CustomerEmail
		}
	}

	return order, nil
}

// EnqueueWebhookEvent передаёт проверенное событие фоновому обработчику.
// Вызов не блокируется: при переполненной очереди возвращается false,
// и вызывающая сторона обязана ответить процессору ошибкой — только
// не-2xx ответ заставит его повторить доставку.
func (s *Service) EnqueueWebhookEvent(evt payment.Event) bool {
	select {
	case s.events <- evt:
		return true
	default:
		s.logger.Warn("webhook queue full, rejecting event",
			zap.String("type", evt.Type), zap.String("payment_ref", evt.PaymentRef))
		return false
	}
}

// StartWebhookWorker запускает фоновую обработку событий платёжного
// процессора и блокируется до отмены контекста. Ошибки обработки логируются
// и не прерывают воркер: повторной доставкой занимается сам процессор.
func (s *Service) StartWebhookWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-s.events:
			if err := s.processWebhookEvent(ctx, evt); err != nil {
				s.logger.Error("webhook processing error",
					zap.String("type", evt.Type),
					zap.String("payment_ref", evt.PaymentRef),
					zap.Error(err))
			}
		}
	}
}

// processWebhookEvent сверяет событие об успешной оплате с заказом.
// Обработка идемпотентна: повторная доставка того же события сходится
// к тому же конечному состоянию заказа.
func (s *Service) processWebhookEvent(ctx context.Context, evt payment.Event) error {
	if evt.PaymentRef == "" {
		s.logger.Info("webhook event without payment reference, skipping",
			zap.String("type", evt.Type))
		return nil
	}

	order, err := s.repo.FindOrderByPaymentRef(ctx, evt.PaymentRef)
	switch {
	case errors.Is(err, repository.ErrOrderNotFound):
		// Локальная запись не успела появиться: процесс упал между созданием
		// намерения и записью ссылки. Восстанавливаем заказ из события.
		order = &model.Order{
			ID:            uuid.NewString(),
			Status:        model.OrderStatusPaid,
			TotalCents:    evt.AmountCents,
			PaymentRef:    evt.PaymentRef,
			CustomerEmail: evt.ReceiptEmail,
		}
		if insErr := s.repo.InsertOrder(ctx, order); insErr != nil {
			if !errors.Is(insErr, repository.ErrDuplicateKey) {
				return insErr
			}
			// Параллельная доставка того же события уже создала заказ.
			order, err = s.repo.FindOrderByPaymentRef(ctx, evt.PaymentRef)
			if err != nil {
				return err
			}
		} else {
			s.logger.Info("order reconstructed from webhook event",
				zap.String("order_id", order.ID), zap.String("payment_ref", evt.PaymentRef))
		}
	case err != nil:
		return err
	}

	switch order.Status {
	case model.OrderStatusPaid:
		// Повторная доставка, статус уже целевой.
	case model.OrderStatusAwaitingPayment:
		if err := s.repo.UpdateOrderStatus(ctx, order.ID, model.OrderStatusPaid); err != nil {
			return err
		}
		order.Status = model.OrderStatusPaid
	default:
		// FULFILLED и CANCELLED выставлены операционными инструментами;
		// запоздавший вебхук их не перезаписывает.
		s.logger.Info("webhook for order in terminal status, leaving untouched",
			zap.String("order_id", order.ID), zap.String("status", string(order.Status)))
	}

	s.dispatchConfirmation(ctx, order, evt)

	return nil
}

// dispatchConfirmation отправляет подтверждение заказа. Ошибка отправки
// логируется и проглатывается: переход статуса она не откатывает.
func (s *Service) dispatchConfirmation(ctx context.Context, order *model.Order, evt payment.Event) {
	if s.notifier == nil {
		return
	}

	email := order.CustomerEmail
	if email == "" {
		email = evt.ReceiptEmail
	}
	if email == "" {
		s.logger.Info("no email for order confirmation", zap.String("order_id", order.ID))
		return
	}

	if err := s.notifier.OrderConfirmed(ctx, email, order.ID, order.TotalCents, evt.FulfillmentMode); err != nil {
		s.logger.Warn("order confirmation dispatch failed",
			zap.String("order_id", order.ID), zap.Error(err))
	}
}

// --- Витрина ---

// ValidateCart проверяет корзину на соответствие логистическим правилам.
func (s *Service) ValidateCart(items []model.CartItem, shippingMethod string) error {
	return validation.CheckLogistics(items, shippingMethod)
}

// OrderRequest описывает размещение заказа без онлайн-оплаты.
type OrderRequest struct {
	Items          []model.CartItem
	CustomerEmail  string
	ShippingMethod string
	DiscountCode   string
}

// OrderConfirmation — результат размещения заказа.
type OrderConfirmation struct {
	OrderID            string `json:"order_id"`
	Status             string `json:"status"`
	TotalCents         int64  `json:"total"`
	OriginalTotalCents int64  `json:"original_total"`
	DiscountApplied    bool   `json:"discount_applied"`
	Message            string `json:"message"`
}

// PlaceOrder размещает заказ с оплатой при получении: проверяет логистику
// и остатки, считает сумму и применяет промокод.
func (s *Service) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderConfirmation, error) {
	shippingMethod := req.ShippingMethod
	if shippingMethod == "" {
		shippingMethod = validation.PickupShippingMethod
	}
	if err := validation.CheckLogistics(req.Items, shippingMethod); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, &pricing.InvalidQuantityError{ProductID: item.ProductID, Quantity: item.Quantity}
		}
		ids = append(ids, item.ProductID)
	}

	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, item := range req.Items {
		product, ok := products[item.ProductID]
		if !ok {
			return nil, &pricing.ProductNotFoundError{ProductID: item.ProductID}
		}
		if product.Stock < item.Quantity {
			return nil, &InsufficientStockError{ItemName: item.Name, Stock: product.Stock}
		}
		total += product.PriceCents * int64(item.Quantity)
	}

	finalTotal := applyDiscount(total, req.DiscountCode)

	return &OrderConfirmation{
		OrderID:            newOrderNumber(),
		Status:             "confirmed",
		TotalCents:         finalTotal,
		OriginalTotalCents: total,
		DiscountApplied:    finalTotal < total,
		Message:            "Order placed successfully. Please proceed to warehouse for pickup.",
	}, nil
}

// applyDiscount применяет промокод. CALOHA даёт скидку 10%.
func applyDiscount(totalCents int64, code string) int64 {
	if code == "CALOHA" {
		return totalCents * 90 / 100
	}
	return totalCents
}

func newOrderNumber() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return "ORD-" + hex.EncodeToString(b)
}

// GetProducts возвращает товары каталога с учётом фильтров.
func (s *Service) GetProducts(ctx context.Context, filter repository.ProductFilter) ([]model.Product, error) {
	return s.repo.GetProducts(ctx, filter)
}

// GetProductByID возвращает товар по идентификатору.
func (s *Service) GetProductByID(ctx context.Context, id int64) (*model.Product, error) {
	return s.repo.GetProductByID(ctx, id)
}

// CreateProduct добавляет товар в каталог.
func (s *Service) CreateProduct(ctx context.Context, p model.Product) (*model.Product, error) {
	return s.repo.CreateProduct(ctx, p)
}

// UpdateProduct сохраняет изменённый товар.
func (s *Service) UpdateProduct(ctx context.Context, p model.Product) (*model.Product, error) {
	return s.repo.UpdateProduct(ctx, p)
}

// DeleteProduct удаляет товар из каталога.
func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	return s.repo.DeleteProduct(ctx, id)
}

// GetOrders возвращает все заказы для административного интерфейса.
func (s *Service) GetOrders(ctx context.Context) ([]model.Order, error) {
	return s.repo.GetOrders(ctx)
}

// UpdateOrderStatus выставляет статус заказа из административного
// интерфейса (например, FULFILLED после выдачи).
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) (*model.Order, error) {
	if err := s.repo.UpdateOrderStatus(ctx, orderID, status); err != nil {
		return nil, err
	}
	return s.repo.FindOrderByID(ctx, orderID)
}

// CreateLead сохраняет заявку с контактной формы.
func (s *Service) CreateLead(ctx context.Context, l model.Lead) (*model.Lead, error) {
	return s.repo.CreateLead(ctx, l)
}

// GetLeads возвращает все заявки.
func (s *Service) GetLeads(ctx context.Context) ([]model.Lead, error) {
	return s.repo.GetLeads(ctx)
}

// UpdateLead обновляет статус и примечания заявки.
func (s *Service) UpdateLead(ctx context.Context, id int64, status, notes *string) (*model.Lead, error) {
	return s.repo.UpdateLead(ctx, id, status, notes)
}

// GetContent возвращает содержимое страницы: черновик или публикацию.
// Отсутствующая страница — не ошибка: возвращается пустой документ.
func (s *Service) GetContent(ctx context.Context, path string, draft bool) (json.RawMessage, error) {
	page, err := s.repo.GetContentPage(ctx, path)
	if err != nil {
		if errors.Is(err, repository.ErrPageNotFound) {
			return json.RawMessage(`{}`), nil
		}
		return nil, err
	}

	if draft && len(page.DraftData) > 0 {
		return page.DraftData, nil
	}
	if len(page.Data) > 0 {
		return page.Data, nil
	}
	return json.RawMessage(`{}`), nil
}

// SaveContentDraft сохраняет черновик страницы.
func (s *Service) SaveContentDraft(ctx context.Context, path string, data json.RawMessage) error {
	return s.repo.SaveContentDraft(ctx, path, data)
}

// PublishContent публикует черновик страницы.
func (s *Service) PublishContent(ctx context.Context, path string) error {
	return s.repo.PublishContent(ctx, path)
}
