package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/lkcomu/lkcomu/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func testStatement() Statement {
	loc := types.ProviderTomsk.Location()
	return Statement{
		Account: types.Account{
			Code:        "7012345678",
			Provider:    types.ProviderTomsk,
			ServiceType: types.ServiceTypeElectricity,
		},
		Start:   time.Date(2025, time.October, 16, 0, 0, 0, 0, loc),
		End:     time.Date(2026, time.October, 16, 0, 0, 0, 0, loc),
		Balance: types.Float64(-210),
		Invoices: []types.Invoice{
			{ID: "pd-9", Period: time.Date(2026, time.September, 1, 0, 0, 0, 0, loc), Total: types.Float64(400.12), Charged: types.Float64(400.12)},
			{ID: "pd-8", Period: time.Date(2026, time.August, 1, 0, 0, 0, 0, loc), Total: types.Float64(380)},
		},
		Payments: []types.Payment{
			{Date: time.Date(2026, time.October, 2, 0, 0, 0, 0, loc), Amount: 400, Status: types.PaymentStatusAccepted},
			{Date: time.Date(2026, time.October, 3, 0, 0, 0, 0, loc), Amount: 150, Status: "В обработке"},
		},
		GeneratedAt: time.Date(2026, time.October, 16, 12, 0, 0, 0, loc),
	}
}

func TestStatementTotals(t *testing.T) {
	s := testStatement()
	assert.InDelta(t, 780.12, s.TotalCharged(), 0.0001)
	assert.Equal(t, 400.0, s.TotalPaid())
}

func TestXLSX(t *testing.T) {
	b, err := XLSX(testStatement())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(b))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{invoicesSheet, paymentsSheet}, f.GetSheetList())

	rows, err := f.GetRows(invoicesSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Invoice", rows[0][0])
	assert.Equal(t, []string{"pd-9", "2026-09", "400.12", "400.12"}, rows[1][:4])
	assert.Equal(t, "pd-8", rows[2][0])
	assert.Equal(t, "380", rows[2][2])

	rows, err = f.GetRows(paymentsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"2026-10-02", "400", types.PaymentStatusAccepted}, rows[1][:3])

	t.Run("Empty", func(t *testing.T) {
		b, err := XLSX(Statement{Account: types.Account{Code: "1"}})
		require.NoError(t, err)
		f, err := excelize.OpenReader(bytes.NewReader(b))
		require.NoError(t, err)
		defer f.Close()
		rows, err := f.GetRows(paymentsSheet)
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})
}

func TestPDF(t *testing.T) {
	b, err := PDF(testStatement())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(b, []byte("%PDF-")))

	s := testStatement()
	s.Balance = nil
	s.Invoices = nil
	b, err = PDF(s)
	require.NoError(t, err)
	assert.NotEmpty(t, b)
}
