// Package export renders account statements as XLSX and PDF documents.
package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/lkcomu/lkcomu/pkg/types"
	"github.com/xuri/excelize/v2"
)

const (
	invoicesSheet = "invoices"
	paymentsSheet = "payments"
)

// Statement is everything shown in an exported document.
type Statement struct {
	Account     types.Account
	Start       time.Time
	End         time.Time
	Balance     *float64
	Invoices    []types.Invoice
	Payments    []types.Payment
	GeneratedAt time.Time
}

// TotalCharged sums the invoice totals of the statement.
func (s Statement) TotalCharged() float64 {
	var total float64
	for _, inv := range s.Invoices {
		total += inv.TotalOrZero()
	}
	return total
}

// TotalPaid sums the accepted payments of the statement.
func (s Statement) TotalPaid() float64 {
	var total float64
	for _, p := range s.Payments {
		if p.IsAccepted() {
			total += p.Amount
		}
	}
	return total
}

func optional(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}

func cell(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}

// XLSX renders the statement as a workbook with an invoices sheet and a
// payments sheet.
func XLSX(s Statement) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", invoicesSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(paymentsSheet); err != nil {
		return nil, err
	}

	header := []any{"Invoice", "Period", "Total", "Charged", "Paid", "Initial", "Penalty"}
	if err := f.SetSheetRow(invoicesSheet, "A1", &header); err != nil {
		return nil, err
	}
	for i, inv := range s.Invoices {
		row := []any{
			inv.ID,
			inv.Period.Format("2006-01"),
			optional(inv.Total),
			optional(inv.Charged),
			optional(inv.Paid),
			optional(inv.Initial),
			optional(inv.Penalty),
		}
		if err := f.SetSheetRow(invoicesSheet, cell("A", i+2), &row); err != nil {
			return nil, err
		}
	}

	header = []any{"Date", "Amount", "Status", "Agent", "Group"}
	if err := f.SetSheetRow(paymentsSheet, "A1", &header); err != nil {
		return nil, err
	}
	for i, p := range s.Payments {
		row := []any{p.Date.Format(time.DateOnly), p.Amount, p.Status, p.Agent, p.Group}
		if err := f.SetSheetRow(paymentsSheet, cell("A", i+2), &row); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

// PDF renders a one page summary of the statement followed by the invoice
// table.
func PDF(s Statement) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	// TODO: embed a TTF with Cyrillic glyphs via AddUTF8Font, the core fonts
	// replace them
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetCreationDate(s.GeneratedAt)
	pdf.SetTitle("Statement "+s.Account.Code, true)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 14)
	pdf.Cell(0, 8, tr("Account statement"))
	pdf.Ln(10)

	pdf.SetFont("Arial", "", 10)
	line := func(format string, args ...any) {
		pdf.Cell(0, 6, tr(fmt.Sprintf(format, args...)))
		pdf.Ln(5)
	}
	line("Account: %s", s.Account.Code)
	line("Provider: %s", s.Account.Provider.Name())
	line("Service: %s", s.Account.ServiceType.Name())
	line("Period: %s - %s", s.Start.Format(time.DateOnly), s.End.Format(time.DateOnly))
	if s.Balance != nil {
		line("Balance: %.2f", *s.Balance)
	}
	line("Charged: %.2f", s.TotalCharged())
	line("Paid: %.2f", s.TotalPaid())
	line("Generated: %s", s.GeneratedAt.Format(time.RFC3339))
	pdf.Ln(4)

	widths := []float64{50, 30, 35, 35, 35}
	pdf.SetFont("Arial", "B", 10)
	for i, h := range []string{"Invoice", "Period", "Total", "Charged", "Paid"} {
		pdf.CellFormat(widths[i], 6, h, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)

	amount := func(v *float64) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprintf("%.2f", *v)
	}
	pdf.SetFont("Arial", "", 10)
	for _, inv := range s.Invoices {
		pdf.CellFormat(widths[0], 6, tr(inv.ID), "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 6, inv.Period.Format("2006-01"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[2], 6, amount(inv.Total), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[3], 6, amount(inv.Charged), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[4], 6, amount(inv.Paid), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to write pdf: %w", err)
	}
	return buf.Bytes(), nil
}
