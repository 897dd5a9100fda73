package types

import (
	"math"
	"time"
)

// Account represents one customer billing account at one provider.
type Account struct {
	Code        string      `json:"code"`
	ServiceID   int64       `json:"serviceID"`
	Address     string      `json:"address"`
	Description string      `json:"description,omitempty"`
	Provider    Provider    `json:"provider"`
	ServiceType ServiceType `json:"serviceType"`
	Locked      bool        `json:"locked"`
	LockReason  string      `json:"lockReason,omitempty"`
	FullName    string      `json:"fullName,omitempty"`
	LivingArea  *float64    `json:"livingArea,omitempty"`
	TotalArea   *float64    `json:"totalArea,omitempty"`

	// ProviderPayload is the opaque vl_provider value echoed back to proxy
	// endpoints.
	ProviderPayload string `json:"-"`
}

// MeterZone is a single tariff zone on a meter. Nil values mean the backend
// did not report one.
type MeterZone struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Last  *float64 `json:"lastIndication"`
	Today *float64 `json:"todayIndication"`
	// Submitted is the value already sent during the current period.
	Submitted *float64 `json:"submittedIndication"`
}

// Meter represents a metering device tied to an account.
type Meter struct {
	Code               string      `json:"code"`
	AccountCode        string      `json:"accountCode"`
	Model              string      `json:"model,omitempty"`
	InstallDate        time.Time   `json:"installDate,omitzero"`
	Status             string      `json:"status,omitempty"`
	LastIndicationDate time.Time   `json:"lastIndicationDate,omitzero"`
	Zones              []MeterZone `json:"zones"`
	PeriodStart        time.Time   `json:"periodStart,omitzero"`
	PeriodEnd          time.Time   `json:"periodEnd,omitzero"`
}

// TariffCount is the number of tariff zones on the meter.
func (m Meter) TariffCount() int {
	return len(m.Zones)
}

// IndicationsIDs returns zone ids in submission order.
func (m Meter) IndicationsIDs() []string {
	ids := make([]string, len(m.Zones))
	for i, z := range m.Zones {
		ids[i] = z.ID
	}
	return ids
}

// LastIndications returns the last recorded value per zone.
func (m Meter) LastIndications() []*float64 {
	vals := make([]*float64, len(m.Zones))
	for i, z := range m.Zones {
		vals[i] = z.Last
	}
	return vals
}

// SubmittedIndications returns the value already submitted this period per zone.
func (m Meter) SubmittedIndications() []*float64 {
	vals := make([]*float64, len(m.Zones))
	for i, z := range m.Zones {
		vals[i] = z.Submitted
	}
	return vals
}

// TodayIndications returns today's value per zone.
func (m Meter) TodayIndications() []*float64 {
	vals := make([]*float64, len(m.Zones))
	for i, z := range m.Zones {
		vals[i] = z.Today
	}
	return vals
}

// HasPeriod returns true if the backend reported a submission window.
func (m Meter) HasPeriod() bool {
	return !m.PeriodStart.IsZero() && !m.PeriodEnd.IsZero()
}

// PeriodContains returns true if the given day is inside the submission
// window, boundaries included.
func (m Meter) PeriodContains(day time.Time) bool {
	if !m.HasPeriod() {
		return false
	}
	d := TruncateDay(day)
	return !d.Before(TruncateDay(m.PeriodStart)) && !d.After(TruncateDay(m.PeriodEnd))
}

// RemainingDays is the number of days left to submit, counting today.
func (m Meter) RemainingDays(today time.Time) int {
	if !m.HasPeriod() {
		return 0
	}
	end := TruncateDay(m.PeriodEnd)
	d := TruncateDay(today.In(end.Location()))
	days := int(math.Round(end.Sub(d).Hours()/24)) + 1
	if days < 0 {
		return 0
	}
	return days
}

// ChargeLine is a single per-service charge inside an invoice.
type ChargeLine struct {
	Service string  `json:"service"`
	Charged float64 `json:"charged"`
}

// Invoice is one billing period's charge summary.
type Invoice struct {
	ID          string       `json:"id"`
	AccountCode string       `json:"accountCode"`
	Period      time.Time    `json:"period"`
	Total       *float64     `json:"total"`
	Paid        *float64     `json:"paid,omitempty"`
	Initial     *float64     `json:"initial,omitempty"`
	Charged     *float64     `json:"charged,omitempty"`
	Insurance   *float64     `json:"insurance,omitempty"`
	Benefits    *float64     `json:"benefits,omitempty"`
	Penalty     *float64     `json:"penalty,omitempty"`
	Service     *float64     `json:"service,omitempty"`
	Lines       []ChargeLine `json:"lines,omitempty"`
}

// TotalOrZero returns the invoice total, treating a missing total as zero.
func (i Invoice) TotalOrZero() float64 {
	if i.Total == nil {
		return 0
	}
	return *i.Total
}

// PaymentStatusAccepted is the status the backend reports for a settled payment.
const PaymentStatusAccepted = "Принят"

// Payment is a single recorded payment.
type Payment struct {
	AccountCode string    `json:"accountCode"`
	Date        time.Time `json:"date"`
	Amount      float64   `json:"amount"`
	Status      string    `json:"status,omitempty"`
	Agent       string    `json:"agent,omitempty"`
	Group       string    `json:"group,omitempty"`
}

// IsAccepted returns true if the payment has been settled by the provider.
// Payments without a status are treated as accepted.
func (p Payment) IsAccepted() bool {
	return p.Status == "" || p.Status == PaymentStatusAccepted
}

// ChargeCalculation is the result of a dry-run charge calculation.
type ChargeCalculation struct {
	Charged     float64   `json:"charged"`
	Comment     string    `json:"comment"`
	Period      time.Time `json:"period,omitzero"`
	Indications []float64 `json:"indications"`
}

// Balance is a normalized account balance. A positive amount means the
// customer is owed money, a negative amount means the customer owes.
type Balance struct {
	AccountCode string    `json:"accountCode"`
	Amount      float64   `json:"amount"`
	Timestamp   time.Time `json:"timestamp"`
}

// TruncateDay returns midnight of t in t's location.
func TruncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 {
	return &v
}
