package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var indicationsKeyRe = regexp.MustCompile(`^((t|vl)_?)?(\d+)$`)

// ErrEmptyIndications is returned when no indications were provided.
var ErrEmptyIndications = errors.New("empty set of indications provided")

// ParseIndications normalizes user supplied indications into an ordered list.
// It accepts a map keyed by zone ("t1", "vl_2", "3", ...), a comma-separated
// string, or a list of numbers or numeric strings.
func ParseIndications(v any) ([]float64, error) {
	var list []float64
	switch val := v.(type) {
	case map[string]any:
		var err error
		list, err = parseIndicationsMap(val)
		if err != nil {
			return nil, err
		}
	case map[string]float64:
		m := make(map[string]any, len(val))
		for k, f := range val {
			m[k] = f
		}
		var err error
		list, err = parseIndicationsMap(m)
		if err != nil {
			return nil, err
		}
	case string:
		for _, part := range strings.Split(val, ",") {
			f, err := positiveFloat(strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			list = append(list, f)
		}
	case []float64:
		for _, item := range val {
			f, err := positiveFloat(item)
			if err != nil {
				return nil, err
			}
			list = append(list, f)
		}
	case []any:
		for _, item := range val {
			f, err := positiveFloat(item)
			if err != nil {
				return nil, err
			}
			list = append(list, f)
		}
	case nil:
	default:
		f, err := positiveFloat(val)
		if err != nil {
			return nil, err
		}
		list = []float64{f}
	}

	if len(list) < 1 {
		return nil, ErrEmptyIndications
	}
	return list, nil
}

func parseIndicationsMap(m map[string]any) ([]float64, error) {
	byIndex := make(map[int]float64, len(m))
	var extra []string
	for key, raw := range m {
		match := indicationsKeyRe.FindStringSubmatch(key)
		if match == nil {
			extra = append(extra, key)
			continue
		}
		value, err := positiveFloat(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		idx, err := strconv.Atoi(match[3])
		if err != nil || idx < 1 {
			return nil, fmt.Errorf("%s: invalid indication index", key)
		}
		if prev, ok := byIndex[idx]; ok && prev != value {
			return nil, fmt.Errorf("altering indication value for same index: %d", idx)
		}
		byIndex[idx] = value
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return nil, fmt.Errorf("extra keys not allowed: %s", strings.Join(extra, ", "))
	}

	indices := make([]int, 0, len(byIndex))
	for idx := range byIndex {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	list := make([]float64, 0, len(indices))
	for _, idx := range indices {
		if len(list) < idx-1 {
			return nil, fmt.Errorf("missing indication index: %d", len(list)+1)
		}
		list = append(list, byIndex[idx])
	}
	return list, nil
}

func positiveFloat(v any) (float64, error) {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case float32:
		f = float64(val)
	case int:
		f = float64(val)
	case int64:
		f = float64(val)
	case json.Number:
		var err error
		f, err = val.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid indication value %q", val.String())
		}
	case string:
		var err error
		f, err = strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(val), ",", "."), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid indication value %q", val)
		}
	default:
		return 0, fmt.Errorf("invalid indication value of type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("indication value must be a finite number: %v", f)
	}
	if f < 0 {
		return 0, fmt.Errorf("indication value must be positive: %v", f)
	}
	return f, nil
}

// IndicationsDict maps values onto zone keys t1..tN.
func IndicationsDict(values []float64) map[string]float64 {
	if len(values) == 0 {
		return nil
	}
	d := make(map[string]float64, len(values))
	for i, v := range values {
		d["t"+strconv.Itoa(i+1)] = v
	}
	return d
}
