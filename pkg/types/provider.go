package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Provider identifies a regional billing backend sharing the common gateway.
type Provider string

const (
	ProviderAltai         Provider = "altai"
	ProviderBashkortostan Provider = "bashkortostan"
	ProviderMoscow        Provider = "moscow"
	ProviderOryol         Provider = "oryol"
	ProviderSaratov       Provider = "saratov"
	ProviderSevesk        Provider = "sevesk"
	ProviderTambov        Provider = "tambov"
	ProviderTomsk         Provider = "tomsk"
	ProviderVolga         Provider = "volga"

	DefaultProvider = ProviderMoscow
)

type providerInfo struct {
	name     string
	code     int
	timezone string
}

var providers = map[Provider]providerInfo{
	ProviderAltai:         {name: "Алтайэнергосбыт", code: 9, timezone: "Asia/Barnaul"},
	ProviderBashkortostan: {name: "Башэлектросбыт (ЭСКБ)", code: 7, timezone: "Asia/Yekaterinburg"},
	ProviderMoscow:        {name: "Мосэнергосбыт / МосОблЕИРЦ", code: 1, timezone: "Europe/Moscow"},
	ProviderOryol:         {name: "Орловский Энергосбыт / ЕПД", code: 3, timezone: "Europe/Moscow"},
	ProviderSaratov:       {name: "Саратовский Энергосбыт", code: 4, timezone: "Europe/Saratov"},
	ProviderSevesk:        {name: "Северная Сбытовая Компания (ССК)", code: 8, timezone: "Europe/Moscow"},
	ProviderTambov:        {name: "Тамбовский Энергосбыт", code: 5, timezone: "Europe/Moscow"},
	ProviderTomsk:         {name: "Томский Энергосбыт / РТС", code: 2, timezone: "Asia/Tomsk"},
	ProviderVolga:         {name: "Энергосбыт «Волга»", code: 6, timezone: "Europe/Ulyanovsk"},
}

var providerLocations = func() map[Provider]*time.Location {
	locs := make(map[Provider]*time.Location, len(providers))
	for p, info := range providers {
		loc, err := time.LoadLocation(info.timezone)
		if err != nil {
			panic(fmt.Errorf("failed to load location %s: %w", info.timezone, err))
		}
		locs[p] = loc
	}
	return locs
}()

// Providers returns every known provider sorted by code string.
func Providers() []Provider {
	list := make([]Provider, 0, len(providers))
	for p := range providers {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// ParseProvider validates a provider code. An empty string yields the default
// provider.
func ParseProvider(s string) (Provider, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultProvider, nil
	}
	p := Provider(s)
	if _, ok := providers[p]; !ok {
		return "", fmt.Errorf("unknown provider: %s", s)
	}
	return p, nil
}

// ProviderFromCode maps the backend kd_provider value to a Provider.
func ProviderFromCode(code int) (Provider, bool) {
	for p, info := range providers {
		if info.code == code {
			return p, true
		}
	}
	return "", false
}

// Name returns the human readable provider name.
func (p Provider) Name() string {
	if info, ok := providers[p]; ok {
		return info.name
	}
	return string(p)
}

// Code returns the backend kd_provider value, or 0 for unknown providers.
func (p Provider) Code() int {
	return providers[p].code
}

// Location returns the calendar the provider uses for submission windows.
func (p Provider) Location() *time.Location {
	if loc, ok := providerLocations[p]; ok {
		return loc
	}
	return providerLocations[DefaultProvider]
}

// ServiceType is the kind of utility an account is billed for. The value is
// the backend kd_service_type.
type ServiceType int

const (
	ServiceTypeUnknown     ServiceType = 0
	ServiceTypeElectricity ServiceType = 1
	ServiceTypeTrash       ServiceType = 2
	ServiceTypeHeating     ServiceType = 3
	ServiceTypeEPD         ServiceType = 4
)

var serviceTypeNames = map[ServiceType][2]string{
	ServiceTypeUnknown:     {"unknown", "неизвестно"},
	ServiceTypeElectricity: {"electricity", "электроэнергия"},
	ServiceTypeTrash:       {"trash", "вывоз ТКО"},
	ServiceTypeHeating:     {"heating", "отопление"},
	ServiceTypeEPD:         {"epd", "ЕПД"},
}

// ServiceTypeFromCode returns the service type for a backend code, falling
// back to ServiceTypeUnknown.
func ServiceTypeFromCode(code int) ServiceType {
	st := ServiceType(code)
	if _, ok := serviceTypeNames[st]; !ok {
		return ServiceTypeUnknown
	}
	return st
}

// Name returns the English name of the service type.
func (s ServiceType) Name() string {
	if n, ok := serviceTypeNames[s]; ok {
		return n[0]
	}
	return serviceTypeNames[ServiceTypeUnknown][0]
}

// NameRU returns the Russian name of the service type.
func (s ServiceType) NameRU() string {
	if n, ok := serviceTypeNames[s]; ok {
		return n[1]
	}
	return serviceTypeNames[ServiceTypeUnknown][1]
}

func (s ServiceType) String() string {
	return s.Name()
}
