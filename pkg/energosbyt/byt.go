package energosbyt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/lkcomu/lkcomu/pkg/types"
)

const bytPlugin = "bytProxy"

// BytAccount serves Moscow electricity accounts.
type BytAccount struct {
	*baseAccount
}

var (
	_ AccountHandler     = (*BytAccount)(nil)
	_ indicationsBackend = (*BytAccount)(nil)
)

// NewBytAccount is the Constructor for BytAccount.
func NewBytAccount(c *Client, acc types.Account) AccountHandler {
	return &BytAccount{baseAccount: newBaseAccount(c, acc, bytPlugin)}
}

// FetchMeters reads the Meters query. Zone values are spread over numbered
// columns, nm_tN holding the zone name.
func (a *BytAccount) FetchMeters(ctx context.Context) ([]*Meter, error) {
	var rows []map[string]json.RawMessage
	if err := a.proxy(ctx, "Meters", nil, &rows); err != nil {
		return nil, err
	}
	today := a.today()
	loc := a.Account().Provider.Location()

	fresh := make([]types.Meter, 0, len(rows))
	for _, row := range rows {
		m, err := parseBytMeter(row, today, loc)
		if err != nil {
			return nil, &BackendError{Query: "Meters", Message: err.Error()}
		}
		if m.Code == "" {
			continue
		}
		m.AccountCode = a.Account().Code
		fresh = append(fresh, m)
	}
	return a.reconcileMeters(fresh, a), nil
}

func parseBytMeter(row map[string]json.RawMessage, today time.Time, loc *time.Location) (types.Meter, error) {
	var (
		code, model, install, status flexString
		periodStart, periodEnd       flexInt
	)
	for key, dest := range map[string]json.Unmarshaler{
		"nm_meter_num":     &code,
		"nm_mrk":           &model,
		"dt_meter_install": &install,
		"nm_result":        &status,
		"nn_period_start":  &periodStart,
		"nn_period_end":    &periodEnd,
	} {
		if err := rowField(row, key, dest); err != nil {
			return types.Meter{}, err
		}
	}

	installDate, err := parseDate(string(install), loc)
	if err != nil {
		return types.Meter{}, err
	}
	m := types.Meter{
		Code:        string(code),
		Model:       string(model),
		InstallDate: installDate,
		Status:      string(status),
		PeriodStart: dayOfMonth(today, int(periodStart)),
		PeriodEnd:   dayOfMonth(today, int(periodEnd)),
	}

	for n := 1; ; n++ {
		nameKey := fmt.Sprintf("nm_t%d", n)
		lastKey := fmt.Sprintf("vl_t%d_last_ind", n)
		todayKey := fmt.Sprintf("vl_t%d_today", n)
		_, hasName := row[nameKey]
		_, hasLast := row[lastKey]
		_, hasToday := row[todayKey]
		if !hasName && !hasLast && !hasToday {
			break
		}
		var (
			name       flexString
			last, curr flexFloat
		)
		if err := rowField(row, nameKey, &name); err != nil {
			return types.Meter{}, err
		}
		if err := rowField(row, lastKey, &last); err != nil {
			return types.Meter{}, err
		}
		if err := rowField(row, todayKey, &curr); err != nil {
			return types.Meter{}, err
		}
		// vl_tN_today is what was already submitted for the current period
		m.Zones = append(m.Zones, types.MeterZone{
			ID:        zoneID(n),
			Name:      string(name),
			Last:      last.Ptr(),
			Today:     curr.Ptr(),
			Submitted: curr.Ptr(),
		})
	}
	return m, nil
}

type bytInvoiceRow struct {
	ID        flexString `json:"id_pd"`
	Period    flexString `json:"dt_period"`
	Total     flexFloat  `json:"sm_total"`
	Paid      flexFloat  `json:"sm_payed"`
	Initial   flexFloat  `json:"sm_start"`
	Charged   flexFloat  `json:"sm_charged"`
	Insurance flexFloat  `json:"sm_insurance"`
	Benefits  flexFloat  `json:"sm_benefits"`
	Penalty   flexFloat  `json:"sm_penalty"`
	Service   flexFloat  `json:"sm_service"`
}

// FetchInvoices reads the Invoice query, which reports one flat total per
// period.
func (a *BytAccount) FetchInvoices(ctx context.Context, start, end time.Time) ([]types.Invoice, error) {
	var rows []bytInvoiceRow
	if err := a.proxy(ctx, "Invoice", a.rangeFields(start, end), &rows); err != nil {
		return nil, err
	}
	loc := a.Account().Provider.Location()
	invoices := make([]types.Invoice, 0, len(rows))
	for _, row := range rows {
		period, err := parseDate(string(row.Period), loc)
		if err != nil {
			return nil, &BackendError{Query: "Invoice", Message: err.Error()}
		}
		id := string(row.ID)
		if id == "" {
			id = a.Account().Code + "-" + period.Format("2006-01")
		}
		invoices = append(invoices, types.Invoice{
			ID:          id,
			AccountCode: a.Account().Code,
			Period:      period,
			Total:       row.Total.Ptr(),
			Paid:        row.Paid.Ptr(),
			Initial:     row.Initial.Ptr(),
			Charged:     row.Charged.Ptr(),
			Insurance:   row.Insurance.Ptr(),
			Benefits:    row.Benefits.Ptr(),
			Penalty:     row.Penalty.Ptr(),
			Service:     row.Service.Ptr(),
		})
	}
	sortInvoicesNewestFirst(invoices)
	return invoices, nil
}

func (a *BytAccount) FetchPayments(ctx context.Context, start, end time.Time) ([]types.Payment, error) {
	var rows []paymentRow
	if err := a.proxy(ctx, "Pays", a.rangeFields(start, end), &rows); err != nil {
		return nil, err
	}
	payments, err := convertPayments(a.Account().Code, rows, a.Account().Provider.Location())
	if err != nil {
		return nil, &BackendError{Query: "Pays", Message: err.Error()}
	}
	return payments, nil
}

// FetchCurrentBalance flips vl_balance, which is positive when the customer
// owes money.
func (a *BytAccount) FetchCurrentBalance(ctx context.Context) (float64, error) {
	return a.fetchBalance(ctx, "CurrentBalance", "vl_balance", true)
}

type indicationCounterRow struct {
	Days flexInt `json:"nn_days"`
}

func (a *BytAccount) FetchRemainingSubmissionDays(ctx context.Context) (*int, error) {
	var rows []indicationCounterRow
	if err := a.proxy(ctx, "IndicationCounter", nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &BackendError{Query: "IndicationCounter", Message: "empty response"}
	}
	days := max(int(rows[0].Days), 0)
	return &days, nil
}

func (a *BytAccount) meterFields(meter types.Meter, fields url.Values) url.Values {
	fields.Set("nm_meter_num", meter.Code)
	fields.Set("dt_indication", a.indicationDate())
	return fields
}

func (a *BytAccount) submitIndications(ctx context.Context, meter types.Meter, fields url.Values) (string, error) {
	return a.submitVia(ctx, "SaveIndication", meter.Code, a.meterFields(meter, fields))
}

func (a *BytAccount) calculateIndications(ctx context.Context, meter types.Meter, fields url.Values) (types.ChargeCalculation, error) {
	return a.calculateVia(ctx, "CalcCharge", meter.Code, a.meterFields(meter, fields))
}
