package types

import "time"

// EntityKind groups entities that share refresh settings.
type EntityKind string

const (
	KindAccounts EntityKind = "accounts"
	KindInvoices EntityKind = "invoices"
	KindMeters   EntityKind = "meters"
	KindPayments EntityKind = "payments"
)

// EntityKinds lists every entity kind in refresh order.
var EntityKinds = []EntityKind{KindAccounts, KindMeters, KindInvoices, KindPayments}

// TypeEN is the English singular name used in entity names.
func (k EntityKind) TypeEN() string {
	switch k {
	case KindAccounts:
		return "account"
	case KindInvoices:
		return "invoice"
	case KindMeters:
		return "meter"
	case KindPayments:
		return "payment"
	}
	return string(k)
}

// TypeRU is the Russian singular name used in entity names.
func (k EntityKind) TypeRU() string {
	switch k {
	case KindAccounts:
		return "лицевой счёт"
	case KindInvoices:
		return "квитанция"
	case KindMeters:
		return "счётчик"
	case KindPayments:
		return "платёж"
	}
	return string(k)
}

// Entity is a normalized snapshot exposed to consumers.
type Entity struct {
	Key         string         `json:"key"`
	Kind        EntityKind     `json:"kind"`
	AccountCode string         `json:"accountCode"`
	Code        string         `json:"code"`
	Name        string         `json:"name"`
	State       any            `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

const (
	StateOK          = "ok"
	StateOn          = "on"
	StateOff         = "off"
	StateUnavailable = "unavailable"
)
