package config

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lkcomu/lkcomu/pkg/types"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	defaultNameFormat      = "{provider_code_upper} {account_code} {type_en_cap}"
	defaultMeterNameFormat = defaultNameFormat + " {code}"
)

var nameVarRE = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// NameVars returns the variables available to name formats for an entity.
func NameVars(acc types.Account, kind types.EntityKind, code string) map[string]string {
	return map[string]string{
		"provider_code":   string(acc.Provider),
		"provider_name":   acc.Provider.Name(),
		"account_code":    acc.Code,
		"service_type":    acc.ServiceType.Name(),
		"service_type_ru": acc.ServiceType.NameRU(),
		"type_en":         kind.TypeEN(),
		"type_ru":         kind.TypeRU(),
		"code":            code,
		"address":         acc.Address,
		"description":     acc.Description,
	}
}

// FormatName renders a name template. A variable may carry one of the
// _upper, _lower, _cap or _title suffixes. Unknown variables are kept
// as written.
func FormatName(format string, vars map[string]string) string {
	out := nameVarRE.ReplaceAllStringFunc(format, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		base, transform, ok := splitTransform(name)
		if !ok {
			return m
		}
		v, ok := vars[base]
		if !ok {
			return m
		}
		return transform(v)
	})
	return strings.Join(strings.Fields(out), " ")
}

func splitTransform(name string) (string, func(string) string, bool) {
	idx := strings.LastIndexByte(name, '_')
	if idx <= 0 {
		return "", nil, false
	}
	var fn func(string) string
	switch name[idx+1:] {
	case "upper":
		fn = strings.ToUpper
	case "lower":
		fn = strings.ToLower
	case "cap":
		fn = capitalize
	case "title":
		fn = title
	default:
		return "", nil, false
	}
	return name[:idx], fn, true
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// casers are stateful so a new one is made per call
func title(s string) string {
	return cases.Title(language.Und).String(s)
}
