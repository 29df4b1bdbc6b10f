// Package model содержит доменные сущности магазина.
package model

import (
	"encoding/json"
	"time"
)

// OrderStatus описывает статус жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusAwaitingPayment OrderStatus = "AWAIT_PAYMENT"
	OrderStatusPaid            OrderStatus = "PAID"
	// OrderStatusFulfilled и OrderStatusCancelled выставляются операционными
	// инструментами; ядро их не назначает и не перезаписывает.
	OrderStatusFulfilled OrderStatus = "FULFILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Order описывает заказ покупателя.
type Order struct {
	ID             string          `json:"id"`
	Status         OrderStatus     `json:"status"`
	TotalCents     int64           `json:"total_cents"`
	PaymentRef     string          `json:"payment_ref,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CustomerEmail  string          `json:"customer_email,omitempty"`
	Items          json.RawMessage `json:"items,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Product — товар каталога. Цена хранится в центах.
type Product struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Category   string `json:"category"`
	Stock      int    `json:"stock"`
	ImageURL   string `json:"image_url,omitempty"`
}

// CartItem — позиция корзины. Не хранится отдельно: используется как вход
// для расчёта стоимости и как снимок внутри заказа.
type CartItem struct {
	ProductID int64  `json:"product_id"`
	Category  string `json:"category"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
}

// Lead описывает заявку на обслуживание с контактной формы.
type Lead struct {
	ID          int64     `json:"id"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	Email       string    `json:"email"`
	Phone       string    `json:"phone"`
	Address     string    `json:"address"`
	City        string    `json:"city"`
	Zip         string    `json:"zip"`
	ServiceType string    `json:"service_type"`
	Urgency     string    `json:"urgency"`
	Notes       string    `json:"notes,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// ContentPage хранит JSON-содержимое страницы: опубликованную версию и черновик.
type ContentPage struct {
	Path      string          `json:"path"`
	Data      json.RawMessage `json:"data,omitempty"`
	DraftData json.RawMessage `json:"draft_data,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}
