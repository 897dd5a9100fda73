package energosbyt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lkcomu/lkcomu/pkg/types"
)

// AccountHandler is the provider specific strategy for one account.
type AccountHandler interface {
	// Account returns the normalized account snapshot.
	Account() types.Account

	// FetchMeters returns the account's meters. Meter wrappers are reused
	// across calls for meters whose code did not change.
	FetchMeters(ctx context.Context) ([]*Meter, error)

	// FetchInvoices returns invoices for periods within [start, end].
	FetchInvoices(ctx context.Context, start, end time.Time) ([]types.Invoice, error)

	// FetchPayments returns payments made within [start, end], newest first.
	FetchPayments(ctx context.Context, start, end time.Time) ([]types.Payment, error)

	// FetchCurrentBalance returns the balance, positive meaning the customer
	// is owed money.
	FetchCurrentBalance(ctx context.Context) (float64, error)

	// FetchRemainingSubmissionDays returns nil when the provider does not
	// report it.
	FetchRemainingSubmissionDays(ctx context.Context) (*int, error)
}

// RawAccount is a row of the LSList query.
type RawAccount struct {
	Code            flexString     `json:"nn_ls"`
	ServiceID       flexInt        `json:"id_service"`
	ProviderCode    flexInt        `json:"kd_provider"`
	ServiceTypeCode flexInt        `json:"kd_service_type"`
	ProviderPayload flexString     `json:"vl_provider"`
	Description     string         `json:"nm_ls_description"`
	Locked          flexBool       `json:"pr_ls_lock"`
	LockReason      string         `json:"nm_lock_msg"`
	Data            rawAccountData `json:"data"`

	Raw json.RawMessage `json:"-"`
}

type rawAccountData struct {
	Street     string    `json:"nm_street"`
	FullName   string    `json:"nm_fio"`
	LivingArea flexFloat `json:"vl_living_area"`
	TotalArea  flexFloat `json:"vl_total_area"`
}

// UnmarshalJSON keeps a copy of the raw row next to the decoded fields.
func (r *RawAccount) UnmarshalJSON(b []byte) error {
	type alias RawAccount
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*r = RawAccount(a)
	r.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// Account converts the row into a normalized account. Rows naming an unknown
// provider fail with UnsupportedAccountError.
func (r RawAccount) Account() (types.Account, error) {
	serviceType := types.ServiceTypeFromCode(int(r.ServiceTypeCode))
	provider, ok := types.ProviderFromCode(int(r.ProviderCode))
	if !ok {
		return types.Account{}, &UnsupportedAccountError{ProviderCode: int(r.ProviderCode), ServiceType: serviceType}
	}
	if r.Code == "" {
		return types.Account{}, fmt.Errorf("account row without nn_ls")
	}
	return types.Account{
		Code:            string(r.Code),
		ServiceID:       int64(r.ServiceID),
		Address:         r.Data.Street,
		Description:     r.Description,
		Provider:        provider,
		ServiceType:     serviceType,
		Locked:          bool(r.Locked),
		LockReason:      r.LockReason,
		FullName:        r.Data.FullName,
		LivingArea:      r.Data.LivingArea.Ptr(),
		TotalArea:       r.Data.TotalArea.Ptr(),
		ProviderPayload: string(r.ProviderPayload),
	}, nil
}

// baseAccount holds what every handler shares: the gateway client, the
// account snapshot and the reconciled meter index.
type baseAccount struct {
	client *Client
	plugin string
	now    func() time.Time

	accMu   sync.RWMutex
	account types.Account

	mu     sync.Mutex
	meters map[string]*Meter
}

func newBaseAccount(c *Client, acc types.Account, plugin string) *baseAccount {
	return &baseAccount{
		client:  c,
		account: acc,
		plugin:  plugin,
		now:     c.now,
		meters:  make(map[string]*Meter),
	}
}

func (b *baseAccount) Account() types.Account {
	b.accMu.RLock()
	defer b.accMu.RUnlock()
	return b.account
}

// SetAccount replaces the account snapshot after a refresh of the account
// list. The meters of the account see the new snapshot too.
func (b *baseAccount) SetAccount(acc types.Account) {
	b.accMu.Lock()
	b.account = acc
	b.accMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.meters {
		m.setAccount(acc)
	}
}

// today returns the current time in the provider's calendar.
func (b *baseAccount) today() time.Time {
	return b.now().In(b.Account().Provider.Location())
}

func (b *baseAccount) proxy(ctx context.Context, query string, fields url.Values, dest any) error {
	return b.client.Proxy(ctx, b.plugin, query, b.Account().ProviderPayload, fields, dest)
}

func (b *baseAccount) rangeFields(start, end time.Time) url.Values {
	loc := b.Account().Provider.Location()
	fields := url.Values{}
	fields.Set("dt_st", start.In(loc).Format("2006-01-02T15:04:05"))
	fields.Set("dt_en", end.In(loc).Format("2006-01-02T15:04:05"))
	return fields
}

// reconcileMeters merges fresh meter snapshots into the meter index and
// returns the wrappers sorted by meter code.
func (b *baseAccount) reconcileMeters(fresh []types.Meter, backend indicationsBackend) []*Meter {
	b.mu.Lock()
	defer b.mu.Unlock()

	next, _ := Reconcile(
		b.meters,
		fresh,
		func(m types.Meter) string { return m.Code },
		func(m types.Meter) *Meter { return newMeter(b.Account(), m, backend, b.now) },
		func(w *Meter, m types.Meter) { w.update(m) },
	)
	b.meters = next

	list := make([]*Meter, 0, len(next))
	for _, m := range next {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Code() < list[j].Code() })
	return list
}

type floatFlagRow struct {
	IsFloat flexBool `json:"pr_float"`
}

// indicationsAreFloat asks the backend whether the account accepts fractional
// readings. The answer is cached for the lifetime of the session.
func (b *baseAccount) indicationsAreFloat(ctx context.Context) (bool, error) {
	key := b.plugin + "/" + b.Account().Code
	if v, ok := b.client.cachedFloatFlag(key); ok {
		return v, nil
	}
	var rows []floatFlagRow
	if err := b.proxy(ctx, "IndicationIsFloat", nil, &rows); err != nil {
		return false, err
	}
	var v bool
	if len(rows) > 0 {
		v = bool(rows[0].IsFloat)
	}
	b.client.storeFloatFlag(key, v)
	return v, nil
}

func indicationFields(values []float64, isFloat bool) url.Values {
	fields := url.Values{}
	for i, v := range values {
		fields.Set(fmt.Sprintf("vl_t%d", i+1), formatIndication(v, isFloat))
	}
	return fields
}

// sumLines totals per-service charges. It is used when the backend omits the
// aggregate invoice total.
func sumLines(lines []types.ChargeLine) float64 {
	var total float64
	for _, l := range lines {
		total += l.Charged
	}
	return total
}

func sortPaymentsNewestFirst(payments []types.Payment) {
	sort.SliceStable(payments, func(i, j int) bool { return payments[i].Date.After(payments[j].Date) })
}

func sortInvoicesNewestFirst(invoices []types.Invoice) {
	sort.SliceStable(invoices, func(i, j int) bool { return invoices[i].Period.After(invoices[j].Period) })
}

// submissionResult is the reply of SaveIndication and CalcCharge style calls.
type submissionResult struct {
	Code    flexInt    `json:"kd_result"`
	Comment string     `json:"nm_result"`
	Charged flexFloat  `json:"sm_charge"`
	Period  flexString `json:"dt_period"`
}

const (
	resultCodeSuccess      = 1000
	resultCodeInvalidCount = 1007
)

// mapSubmissionResult converts a submission reply into a comment or a typed
// error.
func mapSubmissionResult(query, meterCode string, rows []submissionResult) (submissionResult, error) {
	if len(rows) == 0 {
		return submissionResult{}, &BackendError{Query: query, Message: "empty response"}
	}
	res := rows[0]
	switch int(res.Code) {
	case resultCodeSuccess:
		res.Comment = strings.TrimSpace(res.Comment)
		return res, nil
	case resultCodeInvalidCount:
		return res, &IndicationsCountError{MeterCode: meterCode}
	default:
		raw, _ := json.Marshal(res)
		return res, &BackendError{Query: query, Code: int(res.Code), Message: res.Comment, Raw: string(raw)}
	}
}
