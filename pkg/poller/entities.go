package poller

import (
	"math"
	"time"

	"github.com/lkcomu/lkcomu/pkg/config"
	"github.com/lkcomu/lkcomu/pkg/energosbyt"
	"github.com/lkcomu/lkcomu/pkg/types"
)

// Entity keys are stable across refreshes and name changes.
func accountKey(accountCode string) string {
	return "account_" + accountCode
}

func meterKey(accountCode, meterCode string) string {
	return "meter_" + accountCode + "_" + meterCode
}

func invoiceKey(accountCode string) string {
	return "invoice_" + accountCode
}

func paymentKey(accountCode string) string {
	return "payment_" + accountCode
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func dateAttr(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.DateOnly)
}

func floatAttr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func accountEntity(cfg *config.Config, acc types.Account, balance *float64, remainingDays *int, now time.Time) *types.Entity {
	var state any = types.StateUnavailable
	if balance != nil {
		state = round2(*balance)
	}
	attrs := map[string]any{
		"code":              acc.Code,
		"address":           acc.Address,
		"description":       acc.Description,
		"provider_type":     string(acc.Provider),
		"provider_name":     acc.Provider.Name(),
		"service_type":      acc.ServiceType.Name(),
		"service_type_name": acc.ServiceType.NameRU(),
		"locked":            acc.Locked,
		"lock_reason":       acc.LockReason,
		"full_name":         acc.FullName,
		"living_area":       floatAttr(acc.LivingArea),
		"total_area":        floatAttr(acc.TotalArea),
		"remaining_days":    nil,
	}
	if remainingDays != nil {
		attrs["remaining_days"] = *remainingDays
	}
	return &types.Entity{
		Key:         accountKey(acc.Code),
		Kind:        types.KindAccounts,
		AccountCode: acc.Code,
		Code:        acc.Code,
		Name:        cfg.EntityName(acc, types.KindAccounts, acc.Code),
		State:       state,
		Attributes:  attrs,
		UpdatedAt:   now,
	}
}

func meterEntity(cfg *config.Config, acc types.Account, m *energosbyt.Meter, now time.Time) *types.Entity {
	data := m.Data()
	state := data.Status
	if state == "" {
		state = types.StateOK
	}
	submitState := m.State(now)
	attrs := map[string]any{
		"meter_code":           data.Code,
		"account_code":         acc.Code,
		"model":                data.Model,
		"install_date":         dateAttr(data.InstallDate),
		"submit_period_start":  dateAttr(data.PeriodStart),
		"submit_period_end":    dateAttr(data.PeriodEnd),
		"submit_period_active": submitState == energosbyt.WithinWindow,
		"submit_state":         submitState.String(),
		"last_submit_date":     dateAttr(data.LastIndicationDate),
		"remaining_days":       data.RemainingDays(m.Today()),
	}
	for _, z := range data.Zones {
		prefix := "zone_" + z.ID + "_"
		attrs[prefix+"name"] = z.Name
		attrs[prefix+"last_indication"] = floatAttr(z.Last)
		attrs[prefix+"today_indication"] = floatAttr(z.Today)
		attrs[prefix+"submitted_indication"] = floatAttr(z.Submitted)
	}
	return &types.Entity{
		Key:         meterKey(acc.Code, data.Code),
		Kind:        types.KindMeters,
		AccountCode: acc.Code,
		Code:        data.Code,
		Name:        cfg.EntityName(acc, types.KindMeters, data.Code),
		State:       state,
		Attributes:  attrs,
		UpdatedAt:   now,
	}
}

func invoiceEntity(cfg *config.Config, acc types.Account, inv types.Invoice, now time.Time) *types.Entity {
	attrs := map[string]any{
		"account_code": acc.Code,
		"invoice_id":   inv.ID,
		"period":       dateAttr(inv.Period),
		"total":        floatAttr(inv.Total),
		"paid":         floatAttr(inv.Paid),
		"initial":      floatAttr(inv.Initial),
		"charged":      floatAttr(inv.Charged),
		"insurance":    floatAttr(inv.Insurance),
		"benefits":     floatAttr(inv.Benefits),
		"penalty":      floatAttr(inv.Penalty),
		"service":      floatAttr(inv.Service),
	}
	for _, l := range inv.Lines {
		attrs["charged_"+l.Service] = l.Charged
	}
	return &types.Entity{
		Key:         invoiceKey(acc.Code),
		Kind:        types.KindInvoices,
		AccountCode: acc.Code,
		Code:        acc.Code,
		Name:        cfg.EntityName(acc, types.KindInvoices, acc.Code),
		State:       round2(inv.TotalOrZero()),
		Attributes:  attrs,
		UpdatedAt:   now,
	}
}

func paymentEntity(cfg *config.Config, acc types.Account, p types.Payment, now time.Time) *types.Entity {
	state := types.StateOff
	if p.IsAccepted() {
		state = types.StateOn
	}
	return &types.Entity{
		Key:         paymentKey(acc.Code),
		Kind:        types.KindPayments,
		AccountCode: acc.Code,
		Code:        acc.Code,
		Name:        cfg.EntityName(acc, types.KindPayments, acc.Code),
		State:       state,
		Attributes: map[string]any{
			"account_code": acc.Code,
			"status":       p.Status,
			"amount":       p.Amount,
			"agent":        p.Agent,
			"group":        p.Group,
			"paid_at":      p.Date.Format(time.RFC3339),
		},
		UpdatedAt: now,
	}
}
