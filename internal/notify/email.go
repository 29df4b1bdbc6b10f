// Package notify отправляет покупателям подтверждения заказов по SMTP
// с приложенным PDF-чеком.
package notify

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Mailer отправляет письма через SMTP с неявным TLS (порт 465).
// Копия каждого письма уходит на административный адрес.
type Mailer struct {
	host       string
	port       int
	user       string
	password   string
	adminEmail string
	logger     *zap.Logger
}

// NewMailer создаёт отправитель уведомлений. adminEmail может быть пустым:
// тогда скрытая копия не отправляется.
func NewMailer(host string, port int, user, password, adminEmail string, logger *zap.Logger) *Mailer {
	return &Mailer{
		host:       host,
		port:       port,
		user:       user,
		password:   password,
		adminEmail: adminEmail,
		logger:     logger,
	}
}

// OrderConfirmed отправляет письмо-подтверждение оплаченного заказа
// с PDF-чеком во вложении.
func (m *Mailer) OrderConfirmed(ctx context.Context, email, orderID string, totalCents int64, fulfillmentMode string) error {
	if fulfillmentMode == "" {
		fulfillmentMode = "pickup"
	}

	receipt, err := ReceiptPDF(orderID, nil, totalCents, time.Now(), email)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("Order Confirmation %s - Affordable Home A/C", orderID)
	body := confirmationHTML(orderID, totalCents, fulfillmentMode)

	msg, err := m.buildMessage(email, subject, body, "receipt-"+shortOrderNumber(orderID)+".pdf", receipt)
	if err != nil {
		return err
	}

	recipients := []string{email}
	if m.adminEmail != "" && m.adminEmail != email {
		recipients = append(recipients, m.adminEmail)
	}

	if err := m.send(ctx, recipients, msg); err != nil {
		return fmt.Errorf("send confirmation for order %s: %w", orderID, err)
	}

	m.logger.Info("order confirmation sent",
		zap.String("order_id", orderID), zap.String("email", email))
	return nil
}

// buildMessage собирает multipart-письмо: HTML-тело и PDF-вложение.
func (m *Mailer) buildMessage(to, subject, htmlBody, attachmentName string, attachment []byte) ([]byte, error) {
	var buf strings.Builder
	mw := multipart.NewWriter(&buf)

	buf.WriteString("From: " + m.user + "\r\n")
	buf.WriteString("To: " + to + "\r\n")
	buf.WriteString("Subject: " + subject + "\r\n")
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: multipart/mixed; boundary=" + mw.Boundary() + "\r\n")
	buf.WriteString("\r\n")

	htmlPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/html; charset=utf-8"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := htmlPart.Write([]byte(htmlBody)); err != nil {
		return nil, err
	}

	pdfPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"application/pdf"},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {`attachment; filename="` + attachmentName + `"`},
	})
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(attachment)
	for len(encoded) > 0 {
		line := encoded
		if len(line) > 76 {
			line = line[:76]
		}
		if _, err := pdfPart.Write([]byte(line + "\r\n")); err != nil {
			return nil, err
		}
		encoded = encoded[len(line):]
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

// send доставляет письмо по SMTP. Соединение устанавливается с неявным TLS,
// как того требует порт 465.
func (m *Mailer) send(ctx context.Context, recipients []string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", m.host, m.port)

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}

	tlsConn := tls.Client(conn, &tls.Config{ServerName: m.host})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("tls handshake: %w", err)
	}

	client, err := smtp.NewClient(tlsConn, m.host)
	if err != nil {
		tlsConn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer client.Close()

	if m.user != "" {
		auth := smtp.PlainAuth("", m.user, m.password, m.host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(m.user); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}

	return client.Quit()
}

func confirmationHTML(orderID string, totalCents int64, fulfillmentMode string) string {
	return fmt.Sprintf(`<html>
<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <h2 style="color: #00bcd4;">Order Confirmed!</h2>
  <p>Thank you for your purchase. Your order <strong>%s</strong> has been successfully processed.</p>
  <div style="background-color: #f8f9fa; padding: 15px; border-left: 4px solid #00bcd4; margin: 20px 0;">
    <p style="margin: 0; font-weight: bold;">Total Paid: %s</p>
    <p style="margin: 5px 0 0 0; text-transform: capitalize;">Fulfillment: %s</p>
  </div>
  <p style="color: #666; font-size: 14px;">
    We have received your order and a logistics coordinator will contact you within 24 business hours
    to finalize your %s details.
  </p>
  <hr style="border: 0; border-top: 1px solid #eee; margin: 30px 0;" />
  <p style="font-size: 12px; color: #999; text-align: center;">
    Affordable Home A/C - Waipahu Distribution Center<br/>
    94-150 Leoleo St. #203, Waipahu, HI 96797<br/>
    (808) 555-0123
  </p>
</body>
</html>`, orderID, formatDollars(totalCents), fulfillmentMode, fulfillmentMode)
}
