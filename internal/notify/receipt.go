package notify

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// ReceiptItem — строка чека.
type ReceiptItem struct {
	Name       string
	Quantity   int
	PriceCents int64
}

// ReceiptPDF формирует PDF-чек заказа: шапка с реквизитами магазина,
// таблица позиций и итоговая сумма.
func ReceiptPDF(orderID string, items []ReceiptItem, totalCents int64, date time.Time, customerEmail string) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "Letter", "")
	pdf.SetTitle("Receipt "+orderID, false)
	pdf.AddPage()

	pageWidth, _ := pdf.GetPageSize()

	// Шапка.
	pdf.SetFillColor(15, 23, 42)
	pdf.Rect(0, 0, pageWidth, 38, "F")

	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Helvetica", "B", 22)
	pdf.SetXY(12, 8)
	pdf.Cell(120, 10, "AFFORDABLE HOME A/C")

	pdf.SetFont("Helvetica", "", 9)
	pdf.SetXY(12, 20)
	pdf.Cell(120, 5, "94-1388 Moaniani St #202")
	pdf.SetXY(12, 25)
	pdf.Cell(120, 5, "Waipahu, HI 96797")
	pdf.SetXY(12, 30)
	pdf.Cell(120, 5, "Phone: (808) 555-0123")

	pdf.SetFont("Helvetica", "B", 14)
	pdf.SetXY(pageWidth-70, 8)
	pdf.CellFormat(58, 8, "RECEIPT", "", 0, "R", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetXY(pageWidth-70, 18)
	pdf.CellFormat(58, 5, "Date: "+date.Format("2006-01-02"), "", 0, "R", false, 0, "")
	pdf.SetXY(pageWidth-70, 23)
	pdf.CellFormat(58, 5, "Order #: "+shortOrderNumber(orderID), "", 0, "R", false, 0, "")

	// Покупатель.
	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.SetXY(12, 48)
	pdf.Cell(60, 6, "Bill To:")
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetXY(12, 54)
	pdf.Cell(120, 6, customerEmail)

	// Таблица позиций.
	y := 70.0
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(241, 245, 249)
	pdf.SetXY(12, y)
	pdf.CellFormat(100, 8, "Item", "1", 0, "L", true, 0, "")
	pdf.CellFormat(20, 8, "Qty", "1", 0, "C", true, 0, "")
	pdf.CellFormat(35, 8, "Price", "1", 0, "R", true, 0, "")
	pdf.CellFormat(35, 8, "Total", "1", 1, "R", true, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	for _, item := range items {
		pdf.SetX(12)
		pdf.CellFormat(100, 8, item.Name, "1", 0, "L", false, 0, "")
		pdf.CellFormat(20, 8, fmt.Sprintf("%d", item.Quantity), "1", 0, "C", false, 0, "")
		pdf.CellFormat(35, 8, formatDollars(item.PriceCents), "1", 0, "R", false, 0, "")
		pdf.CellFormat(35, 8, formatDollars(item.PriceCents*int64(item.Quantity)), "1", 1, "R", false, 0, "")
	}

	pdf.SetFont("Helvetica", "B", 11)
	pdf.SetFillColor(6, 182, 212)
	pdf.SetTextColor(255, 255, 255)
	pdf.SetX(12)
	pdf.CellFormat(155, 9, "Total Paid:", "1", 0, "R", true, 0, "")
	pdf.CellFormat(35, 9, formatDollars(totalCents), "1", 1, "R", true, 0, "")

	// Подвал.
	pdf.SetTextColor(100, 116, 139)
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetY(-40)
	pdf.CellFormat(0, 5, "Thank you for your business!", "", 1, "C", false, 0, "")
	pdf.CellFormat(0, 5, "If you have any questions, please contact us at support@affordablehome-ac.com", "", 1, "C", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render receipt pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// shortOrderNumber оставляет последние 8 символов идентификатора заказа.
func shortOrderNumber(orderID string) string {
	if len(orderID) > 8 {
		orderID = orderID[len(orderID)-8:]
	}
	return strings.ToUpper(orderID)
}

func formatDollars(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
