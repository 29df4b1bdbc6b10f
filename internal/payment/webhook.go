package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSignature возвращается при несовпадении подписи вебхука.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ErrMalformedPayload возвращается, если тело вебхука не удаётся разобрать.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Типы событий, которые несут факт успешной оплаты. Формы вложенных
// объектов различаются, целевые поля — одни и те же.
const (
	EventPaymentSucceeded  = "payment_intent.succeeded"
	EventCheckoutCompleted = "checkout.session.completed"
)

// Event — распознанное событие платёжного процессора.
type Event struct {
	Type            string
	PaymentRef      string
	AmountCents     int64
	ReceiptEmail    string
	FulfillmentMode string
}

// signatureTolerance ограничивает возраст подписи: старые доставки отклоняются.
const signatureTolerance = 5 * time.Minute

// VerifySignature проверяет заголовок подписи вида "t=<unix>,v1=<hex>":
// HMAC-SHA256 секретом от строки "<t>.<body>". Несовпадение или устаревшая
// метка времени дают ErrInvalidSignature, чтобы процессор повторил доставку.
func VerifySignature(body []byte, header, secret string) error {
	if header == "" || secret == "" {
		return ErrInvalidSignature
	}

	var timestamp string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			candidates = append(candidates, v)
		}
	}
	if timestamp == "" || len(candidates) == 0 {
		return ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	age := time.Since(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, candidate := range candidates {
		if hmac.Equal([]byte(candidate), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// ParseEvent разбирает тело вебхука. Неизвестные типы событий не считаются
// ошибкой: возвращается событие без платёжной ссылки, обработчик его отбросит.
func ParseEvent(body []byte) (*Event, error) {
	var envelope struct {
		Type string `json:"type"`
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrMalformedPayload)
	}

	switch envelope.Type {
	case EventPaymentSucceeded:
		var intent struct {
			ID             string            `json:"id"`
			AmountReceived int64             `json:"amount_received"`
			ReceiptEmail   string            `json:"receipt_email"`
			Metadata       map[string]string `json:"metadata"`
		}
		if err := json.Unmarshal(envelope.Data.Object, &intent); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return &Event{
			Type:            envelope.Type,
			PaymentRef:      intent.ID,
			AmountCents:     intent.AmountReceived,
			ReceiptEmail:    intent.ReceiptEmail,
			FulfillmentMode: intent.Metadata["fulfillment_mode"],
		}, nil

	case EventCheckoutCompleted:
		var session struct {
			PaymentIntent   string `json:"payment_intent"`
			AmountTotal     int64  `json:"amount_total"`
			CustomerDetails struct {
				Email string `json:"email"`
			} `json:"customer_details"`
			Metadata map[string]string `json:"metadata"`
		}
		if err := json.Unmarshal(envelope.Data.Object, &session); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return &Event{
			Type:            envelope.Type,
			PaymentRef:      session.PaymentIntent,
			AmountCents:     session.AmountTotal,
			ReceiptEmail:    session.CustomerDetails.Email,
			FulfillmentMode: session.Metadata["fulfillment_mode"],
		}, nil

	default:
		return &Event{Type: envelope.Type}, nil
	}
}
