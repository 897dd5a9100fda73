package energosbyt

import (
	"context"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/lkcomu/lkcomu/pkg/types"
)

// SubmissionState describes where today falls relative to a meter's
// submission window.
type SubmissionState int

const (
	// NotYetDue is also reported when the backend did not announce a window.
	NotYetDue SubmissionState = iota
	WithinWindow
	PastWindow
)

func (s SubmissionState) String() string {
	switch s {
	case WithinWindow:
		return "within_window"
	case PastWindow:
		return "past_window"
	default:
		return "not_yet_due"
	}
}

// SubmitOptions relax the validation done before submitting indications.
type SubmitOptions struct {
	IgnorePeriod      bool
	IgnoreIndications bool
	// Incremental treats values as deltas on top of the highest known reading.
	Incremental bool
}

// indicationsBackend is implemented by handlers that accept meter readings.
type indicationsBackend interface {
	indicationsAreFloat(ctx context.Context) (bool, error)
	submitIndications(ctx context.Context, meter types.Meter, fields url.Values) (string, error)
	calculateIndications(ctx context.Context, meter types.Meter, fields url.Values) (types.ChargeCalculation, error)
}

// Meter is the stable wrapper around a meter snapshot. The snapshot is
// replaced on every refresh while the wrapper itself is kept.
type Meter struct {
	account types.Account
	backend indicationsBackend
	now     func() time.Time

	mu   sync.RWMutex
	data types.Meter
}

func newMeter(acc types.Account, m types.Meter, backend indicationsBackend, now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{
		account: acc,
		backend: backend,
		now:     now,
		data:    m,
	}
}

func (m *Meter) update(data types.Meter) {
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
}

func (m *Meter) setAccount(acc types.Account) {
	m.mu.Lock()
	m.account = acc
	m.mu.Unlock()
}

// Code returns the meter's serial number.
func (m *Meter) Code() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Code
}

// Data returns a copy of the current snapshot.
func (m *Meter) Data() types.Meter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

// Account returns the account the meter belongs to.
func (m *Meter) Account() types.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.account
}

// Submittable returns false for meters whose provider does not accept readings.
func (m *Meter) Submittable() bool {
	return m.backend != nil
}

// Today returns the current date in the provider's calendar.
func (m *Meter) Today() time.Time {
	return types.TruncateDay(m.now().In(m.Account().Provider.Location()))
}

// State returns the submission state for the given moment.
func (m *Meter) State(now time.Time) SubmissionState {
	data := m.Data()
	if !data.HasPeriod() {
		return NotYetDue
	}
	today := types.TruncateDay(now.In(m.Account().Provider.Location()))
	switch {
	case today.Before(types.TruncateDay(data.PeriodStart)):
		return NotYetDue
	case today.After(types.TruncateDay(data.PeriodEnd)):
		return PastWindow
	default:
		return WithinWindow
	}
}

// SubmitIndications validates and sends readings. It returns the backend's
// comment on success.
func (m *Meter) SubmitIndications(ctx context.Context, values []float64, opts SubmitOptions) (string, error) {
	if m.backend == nil {
		return "", ErrNotSupported
	}
	data, fields, _, err := m.prepare(ctx, values, opts)
	if err != nil {
		return "", err
	}
	return m.backend.submitIndications(ctx, data, fields)
}

// CalculateIndications runs the same validation as SubmitIndications against
// the dry-run endpoint and returns the projected charge.
func (m *Meter) CalculateIndications(ctx context.Context, values []float64, opts SubmitOptions) (types.ChargeCalculation, error) {
	if m.backend == nil {
		return types.ChargeCalculation{}, ErrNotSupported
	}
	data, fields, converted, err := m.prepare(ctx, values, opts)
	if err != nil {
		return types.ChargeCalculation{}, err
	}
	calc, err := m.backend.calculateIndications(ctx, data, fields)
	if err != nil {
		return types.ChargeCalculation{}, err
	}
	calc.Indications = converted
	return calc, nil
}

// prepare runs the validation pipeline and builds the request fields.
func (m *Meter) prepare(ctx context.Context, values []float64, opts SubmitOptions) (types.Meter, url.Values, []float64, error) {
	data := m.Data()
	values = resolveIndications(data, values, opts.Incremental)

	if !opts.IgnorePeriod {
		today := m.Today()
		if !data.PeriodContains(today) {
			return data, nil, nil, &SubmissionPeriodError{
				MeterCode: data.Code,
				Start:     data.PeriodStart,
				End:       data.PeriodEnd,
				Today:     today,
			}
		}
	}

	if !opts.IgnoreIndications && len(values) != data.TariffCount() {
		return data, nil, nil, &IndicationsCountError{
			MeterCode: data.Code,
			Expected:  data.TariffCount(),
			Got:       len(values),
		}
	}

	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return data, nil, nil, &InvalidIndicationError{MeterCode: data.Code, ZoneID: zoneID(i + 1), Value: v}
		}
	}

	isFloat, err := m.backend.indicationsAreFloat(ctx)
	if err != nil {
		return data, nil, nil, err
	}
	// the threshold is checked against what is actually sent
	if !isFloat {
		for i, v := range values {
			values[i] = math.Trunc(v)
		}
	}

	if !opts.IgnoreIndications {
		for i, z := range data.Zones {
			prior, ok := priorIndication(z)
			if ok && values[i] < prior {
				return data, nil, nil, &IndicationsThresholdError{
					MeterCode: data.Code,
					ZoneID:    z.ID,
					Value:     values[i],
					Prior:     prior,
				}
			}
		}
	}
	return data, indicationFields(values, isFloat), values, nil
}

// ResolveIndications returns the absolute readings a call would submit. When
// incremental is set each value is added to the zone's latest known reading.
func (m *Meter) ResolveIndications(values []float64, incremental bool) []float64 {
	return resolveIndications(m.Data(), values, incremental)
}

func resolveIndications(data types.Meter, values []float64, incremental bool) []float64 {
	values = append([]float64(nil), values...)
	if !incremental {
		return values
	}
	today, last := data.TodayIndications(), data.LastIndications()
	for i := range values {
		base := 0.0
		if i < len(last) && last[i] != nil {
			base = math.Max(base, *last[i])
		}
		if i < len(today) && today[i] != nil {
			base = math.Max(base, *today[i])
		}
		values[i] += base
	}
	return values
}

// priorIndication is the highest value the backend already knows for a zone.
func priorIndication(z types.MeterZone) (float64, bool) {
	var (
		prior float64
		found bool
	)
	for _, v := range []*float64{z.Last, z.Today, z.Submitted} {
		if v == nil {
			continue
		}
		if !found || *v > prior {
			prior = *v
			found = true
		}
	}
	return prior, found
}
