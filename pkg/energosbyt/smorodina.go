package energosbyt

import (
	"context"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/lkcomu/lkcomu/pkg/types"
)

const smorodinaPlugin = "smorodinaTransProxy"

// SmorodinaAccount serves the regional providers sharing the smorodina
// backend.
type SmorodinaAccount struct {
	*baseAccount

	idsMu sync.Mutex
	// meter code to id_counter
	counterIDs map[string]string
}

var (
	_ AccountHandler     = (*SmorodinaAccount)(nil)
	_ indicationsBackend = (*SmorodinaAccount)(nil)
)

// NewSmorodinaAccount is the Constructor for SmorodinaAccount.
func NewSmorodinaAccount(c *Client, acc types.Account) AccountHandler {
	return &SmorodinaAccount{
		baseAccount: newBaseAccount(c, acc, smorodinaPlugin),
		counterIDs:  make(map[string]string),
	}
}

// equipmentRow is one zone of one meter.
type equipmentRow struct {
	CounterID   flexString `json:"id_counter"`
	Code        flexString `json:"nm_counter"`
	Model       string     `json:"nm_model"`
	Zone        flexInt    `json:"nn_zone"`
	ZoneName    string     `json:"nm_zone"`
	Last        flexFloat  `json:"vl_last_ind"`
	Today       flexFloat  `json:"vl_today_ind"`
	LastDate    flexString `json:"dt_last_ind"`
	PeriodStart flexInt    `json:"nn_ind_receive_start"`
	PeriodEnd   flexInt    `json:"nn_ind_receive_end"`
}

type equipmentZone struct {
	n    int
	zone types.MeterZone
}

// FetchMeters groups AbonentEquipment zone rows into meters by nm_counter.
func (a *SmorodinaAccount) FetchMeters(ctx context.Context) ([]*Meter, error) {
	var rows []equipmentRow
	if err := a.proxy(ctx, "AbonentEquipment", nil, &rows); err != nil {
		return nil, err
	}
	today := a.today()
	loc := a.Account().Provider.Location()

	var (
		order  []string
		meters = make(map[string]*types.Meter)
		zones  = make(map[string][]equipmentZone)
		ids    = make(map[string]string)
	)
	for _, row := range rows {
		code := string(row.Code)
		if code == "" {
			continue
		}
		lastDate, err := parseDate(string(row.LastDate), loc)
		if err != nil {
			return nil, &BackendError{Query: "AbonentEquipment", Message: err.Error()}
		}
		m, ok := meters[code]
		if !ok {
			m = &types.Meter{
				Code:        code,
				AccountCode: a.Account().Code,
				Model:       row.Model,
				PeriodStart: dayOfMonth(today, int(row.PeriodStart)),
				PeriodEnd:   dayOfMonth(today, int(row.PeriodEnd)),
			}
			meters[code] = m
			order = append(order, code)
			ids[code] = string(row.CounterID)
		}
		if lastDate.After(m.LastIndicationDate) {
			m.LastIndicationDate = lastDate
		}
		n := int(row.Zone)
		if n <= 0 {
			n = len(zones[code]) + 1
		}
		zones[code] = append(zones[code], equipmentZone{
			n: n,
			zone: types.MeterZone{
				ID:        zoneID(n),
				Name:      row.ZoneName,
				Last:      row.Last.Ptr(),
				Today:     row.Today.Ptr(),
				Submitted: row.Today.Ptr(),
			},
		})
	}

	fresh := make([]types.Meter, 0, len(order))
	for _, code := range order {
		zs := zones[code]
		sort.SliceStable(zs, func(i, j int) bool { return zs[i].n < zs[j].n })
		m := meters[code]
		for _, z := range zs {
			m.Zones = append(m.Zones, z.zone)
		}
		fresh = append(fresh, *m)
	}

	a.idsMu.Lock()
	a.counterIDs = ids
	a.idsMu.Unlock()

	return a.reconcileMeters(fresh, a), nil
}

func (a *SmorodinaAccount) FetchInvoices(ctx context.Context, start, end time.Time) ([]types.Invoice, error) {
	var rows []chargeDetailRow
	if err := a.proxy(ctx, "AbonentChargeDetail", a.rangeFields(start, end), &rows); err != nil {
		return nil, err
	}
	invoices, err := groupChargeDetail(a.Account().Code, rows, a.Account().Provider.Location())
	if err != nil {
		return nil, &BackendError{Query: "AbonentChargeDetail", Message: err.Error()}
	}
	return invoices, nil
}

func (a *SmorodinaAccount) FetchPayments(ctx context.Context, start, end time.Time) ([]types.Payment, error) {
	var rows []paymentRow
	if err := a.proxy(ctx, "AbonentPays", a.rangeFields(start, end), &rows); err != nil {
		return nil, err
	}
	payments, err := convertPayments(a.Account().Code, rows, a.Account().Provider.Location())
	if err != nil {
		return nil, &BackendError{Query: "AbonentPays", Message: err.Error()}
	}
	return payments, nil
}

// FetchCurrentBalance flips vl_debt, which is positive when the customer
// owes money.
func (a *SmorodinaAccount) FetchCurrentBalance(ctx context.Context) (float64, error) {
	return a.fetchBalance(ctx, "AbonentCurrentBalance", "vl_debt", true)
}

func (a *SmorodinaAccount) FetchRemainingSubmissionDays(context.Context) (*int, error) {
	return nil, nil
}

func (a *SmorodinaAccount) meterFields(meter types.Meter, fields url.Values) url.Values {
	a.idsMu.Lock()
	id := a.counterIDs[meter.Code]
	a.idsMu.Unlock()
	if id == "" {
		id = meter.Code
	}
	fields.Set("id_counter", id)
	fields.Set("dt_indication", a.indicationDate())
	return fields
}

func (a *SmorodinaAccount) submitIndications(ctx context.Context, meter types.Meter, fields url.Values) (string, error) {
	return a.submitVia(ctx, "AbonentSaveIndication", meter.Code, a.meterFields(meter, fields))
}

func (a *SmorodinaAccount) calculateIndications(ctx context.Context, meter types.Meter, fields url.Values) (types.ChargeCalculation, error) {
	return a.calculateVia(ctx, "AbonentCalcCharge", meter.Code, a.meterFields(meter, fields))
}
