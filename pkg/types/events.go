package types

import "time"

const (
	EventPushResult        = "lkcomu_interrao_push_result"
	EventCalculationResult = "lkcomu_interrao_calculation_result"
)

// IndicationsCall holds the parameters of a push or calculate call.
type IndicationsCall struct {
	Indications       []float64 `json:"indications"`
	IgnorePeriod      bool      `json:"ignore_period"`
	IgnoreIndications bool      `json:"ignore_indications"`
	Incremental       bool      `json:"incremental"`
	// Notification is false, true or a map of persistent notification
	// fields whose values are formatted against the event data.
	Notification any `json:"notification"`
}

// NotificationOverrides returns the configured notification field overrides
// and whether a notification was requested at all.
func (c IndicationsCall) NotificationOverrides() (map[string]string, bool) {
	switch n := c.Notification.(type) {
	case bool:
		return nil, n
	case map[string]string:
		return n, true
	case map[string]any:
		out := make(map[string]string, len(n))
		for k, v := range n {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
		return out, true
	}
	return nil, false
}

// IndicationsEvent is the payload fired after a push or calculate call. Keys
// follow the Home Assistant event data contract.
type IndicationsEvent struct {
	ID              string             `json:"-"`
	Type            string             `json:"-"`
	Timestamp       time.Time          `json:"-"`
	EntityID        string             `json:"entity_id"`
	MeterCode       string             `json:"meter_code"`
	CallParams      IndicationsCall    `json:"call_params"`
	Success         bool               `json:"success"`
	Indications     []float64          `json:"indications"`
	IndicationsDict map[string]float64 `json:"indications_dict"`
	Comment         *string            `json:"comment"`

	// Calculation only
	Charged *float64 `json:"charged,omitempty"`
	Period  string   `json:"period,omitempty"`
	Correct *bool    `json:"correct,omitempty"`
}

// StoredEvent wraps an event with the metadata kept in storage.
type StoredEvent struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Data      IndicationsEvent `json:"data"`
}

// Data returns the event as a generic map so it can be used in templates.
func (e IndicationsEvent) Data() map[string]any {
	d := map[string]any{
		"entity_id":        e.EntityID,
		"meter_code":       e.MeterCode,
		"success":          e.Success,
		"indications":      e.Indications,
		"indications_dict": e.IndicationsDict,
		"comment":          nil,
		"call_params": map[string]any{
			"indications":        e.CallParams.Indications,
			"ignore_period":      e.CallParams.IgnorePeriod,
			"ignore_indications": e.CallParams.IgnoreIndications,
			"incremental":        e.CallParams.Incremental,
			"notification":       e.CallParams.Notification,
		},
	}
	if e.Comment != nil {
		d["comment"] = *e.Comment
	}
	if e.Type == EventCalculationResult {
		if e.Charged != nil {
			d["charged"] = *e.Charged
		} else {
			d["charged"] = nil
		}
		d["period"] = e.Period
		if e.Correct != nil {
			d["correct"] = *e.Correct
		}
	}
	return d
}
