// Package payment содержит клиент платёжного процессора и разбор его вебхуков.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Intent описывает созданное платёжное намерение: идентификатор процессора
// и клиентский секрет для подтверждения оплаты на стороне браузера.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

// GatewayError оборачивает транспортную ошибку или отказ платёжного процессора.
// Такие ошибки не подавляются: вызывающая сторона обязана их увидеть.
type GatewayError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment gateway: %v", e.Err)
	}
	return fmt.Sprintf("payment gateway: status %d: %s", e.StatusCode, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Client инкапсулирует HTTP-взаимодействие с платёжным процессором.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент платёжного процессора по указанному адресу.
// Сетевые сбои ретраятся ограниченно; общий таймаут запроса — 10 секунд,
// чтобы медленный процессор не подвешивал обработку.
func NewClient(baseURL, secretKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		httpClient: rc,
	}
}

// CreateIntent создаёт платёжное намерение на указанную сумму. Ключ
// идемпотентности передаётся процессору в заголовке Idempotency-Key: повтор
// идентичного запроса возвращает то же намерение вместо второго списания.
func (c *Client) CreateIntent(ctx context.Context, amountCents int64, currency, idempotencyKey, receiptEmail string) (*Intent, error) {
	if c == nil || c.baseURL == "" {
		return nil, &GatewayError{Err: fmt.Errorf("payment client not configured")}
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountCents, 10))
	form.Set("currency", currency)
	form.Set("automatic_payment_methods[enabled]", "true")
	if receiptEmail != "" {
		form.Set("receipt_email", receiptEmail)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &GatewayError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GatewayError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		_ = json.Unmarshal(body, &apiErr)
		return nil, &GatewayError{StatusCode: resp.StatusCode, Message: apiErr.Error.Message}
	}

	var intent Intent
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, &GatewayError{Err: fmt.Errorf("decode intent: %w", err)}
	}
	if intent.ID == "" {
		return nil, &GatewayError{Err: fmt.Errorf("intent response without id")}
	}

	return &intent, nil
}
