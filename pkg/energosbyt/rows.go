package energosbyt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/lkcomu/lkcomu/pkg/types"
)

// paymentRow is shared by the Pays and AbonentPays queries.
type paymentRow struct {
	Date   flexString `json:"dt_pay"`
	Amount flexFloat  `json:"sm_pay"`
	Status string     `json:"nm_status"`
	Agent  string     `json:"nm_agnt"`
	Group  string     `json:"nm_pay_group"`
}

func convertPayments(accountCode string, rows []paymentRow, loc *time.Location) ([]types.Payment, error) {
	payments := make([]types.Payment, 0, len(rows))
	for _, row := range rows {
		date, err := parseDate(string(row.Date), loc)
		if err != nil {
			return nil, fmt.Errorf("payment date: %w", err)
		}
		payments = append(payments, types.Payment{
			AccountCode: accountCode,
			Date:        date,
			Amount:      row.Amount.Value,
			Status:      row.Status,
			Agent:       row.Agent,
			Group:       row.Group,
		})
	}
	sortPaymentsNewestFirst(payments)
	return payments, nil
}

// chargeDetailRow is one service line of AbonentChargeDetail. Rows of the
// same period form one invoice.
type chargeDetailRow struct {
	ID      flexString `json:"id_pd"`
	Period  flexString `json:"dt_period"`
	Service string     `json:"nm_service"`
	Charged flexFloat  `json:"sm_charged"`
	Total   flexFloat  `json:"sm_total"`
	Paid    flexFloat  `json:"sm_payed"`
	Initial flexFloat  `json:"sm_start"`
	Penalty flexFloat  `json:"sm_penalty"`
}

func groupChargeDetail(accountCode string, rows []chargeDetailRow, loc *time.Location) ([]types.Invoice, error) {
	var (
		invoices []types.Invoice
		index    = make(map[string]int)
	)
	for _, row := range rows {
		period, err := parseDate(string(row.Period), loc)
		if err != nil {
			return nil, fmt.Errorf("invoice period: %w", err)
		}
		key := period.Format(time.DateOnly)
		i, ok := index[key]
		if !ok {
			id := string(row.ID)
			if id == "" {
				id = accountCode + "-" + period.Format("2006-01")
			}
			invoices = append(invoices, types.Invoice{
				ID:          id,
				AccountCode: accountCode,
				Period:      period,
			})
			i = len(invoices) - 1
			index[key] = i
		}
		inv := &invoices[i]
		if row.Service != "" || row.Charged.Valid {
			inv.Lines = append(inv.Lines, types.ChargeLine{Service: row.Service, Charged: row.Charged.Value})
		}
		if row.Total.Valid {
			inv.Total = row.Total.Ptr()
		}
		if row.Paid.Valid {
			inv.Paid = row.Paid.Ptr()
		}
		if row.Initial.Valid {
			inv.Initial = row.Initial.Ptr()
		}
		if row.Penalty.Valid {
			inv.Penalty = row.Penalty.Ptr()
		}
	}
	for i := range invoices {
		inv := &invoices[i]
		charged := sumLines(inv.Lines)
		inv.Charged = &charged
		if inv.Total == nil {
			inv.Total = types.Float64(charged)
		}
	}
	sortInvoicesNewestFirst(invoices)
	return invoices, nil
}

// fetchBalance reads a single balance field. When debt is set, the backend
// reports what the customer owes and the sign is flipped.
func (b *baseAccount) fetchBalance(ctx context.Context, query, field string, debt bool) (float64, error) {
	var rows []map[string]json.RawMessage
	if err := b.proxy(ctx, query, nil, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, &BackendError{Query: query, Message: "empty response"}
	}
	var v flexFloat
	if raw, ok := rows[0][field]; ok {
		if err := v.UnmarshalJSON(raw); err != nil {
			return 0, &BackendError{Query: query, Message: fmt.Sprintf("%s: %v", field, err)}
		}
	}
	if !v.Valid {
		return 0, &BackendError{Query: query, Message: "missing " + field}
	}
	if debt {
		return -v.Value, nil
	}
	return v.Value, nil
}

func (b *baseAccount) submitVia(ctx context.Context, query, meterCode string, fields url.Values) (string, error) {
	var rows []submissionResult
	if err := b.proxy(ctx, query, fields, &rows); err != nil {
		return "", err
	}
	res, err := mapSubmissionResult(query, meterCode, rows)
	if err != nil {
		return "", err
	}
	return res.Comment, nil
}

func (b *baseAccount) calculateVia(ctx context.Context, query, meterCode string, fields url.Values) (types.ChargeCalculation, error) {
	var rows []submissionResult
	if err := b.proxy(ctx, query, fields, &rows); err != nil {
		return types.ChargeCalculation{}, err
	}
	res, err := mapSubmissionResult(query, meterCode, rows)
	if err != nil {
		return types.ChargeCalculation{}, err
	}
	period, err := parseDate(string(res.Period), b.Account().Provider.Location())
	if err != nil {
		return types.ChargeCalculation{}, &BackendError{Query: query, Message: err.Error()}
	}
	return types.ChargeCalculation{
		Charged: res.Charged.Value,
		Comment: res.Comment,
		Period:  period,
	}, nil
}

// indicationDate is the reading date sent along with submissions.
func (b *baseAccount) indicationDate() string {
	return types.TruncateDay(b.today()).Format("2006-01-02T15:04:05")
}

// rowField decodes one key of a loosely shaped row. Missing keys leave dest
// untouched.
func rowField(row map[string]json.RawMessage, key string, dest json.Unmarshaler) error {
	raw, ok := row[key]
	if !ok {
		return nil
	}
	if err := dest.UnmarshalJSON(raw); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func zoneID(n int) string {
	return "t" + strconv.Itoa(n)
}
