package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/lkcomu/lkcomu/pkg/types"
	"gopkg.in/yaml.v3"
)

const defaultKey = "default"

// CodeMap is an option that is either a single value or a map of account
// codes to values with an optional "default" entry.
type CodeMap[T any] struct {
	Default    T
	HasDefault bool
	Codes      map[string]T
}

// UnmarshalYAML accepts a scalar or a mapping.
func (m *CodeMap[T]) UnmarshalYAML(node *yaml.Node) error {
	*m = CodeMap[T]{}
	if node.Kind != yaml.MappingNode {
		if err := node.Decode(&m.Default); err != nil {
			return err
		}
		m.HasDefault = true
		return nil
	}
	m.Codes = make(map[string]T)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		var v T
		if err := node.Content[i+1].Decode(&v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if key == defaultKey {
			m.Default = v
			m.HasDefault = true
			continue
		}
		m.Codes[key] = v
	}
	return nil
}

// lookup returns the value for code, falling back to the map default.
func (m CodeMap[T]) lookup(code string) (T, bool) {
	if v, ok := m.Codes[code]; ok && code != "" {
		return v, true
	}
	return m.Default, m.HasDefault
}

// Get returns the value for code or fallback when nothing matches.
func (m CodeMap[T]) Get(code string, fallback T) T {
	if v, ok := m.lookup(code); ok {
		return v
	}
	return fallback
}

// KindMap is an option that can be set once for every entity kind, per kind,
// or per kind and account code.
type KindMap[T any] struct {
	Default    T
	HasDefault bool
	Kinds      map[types.EntityKind]CodeMap[T]
}

// UnmarshalYAML accepts a scalar or a mapping of kinds, each of which may
// itself be a scalar or a CodeMap.
func (m *KindMap[T]) UnmarshalYAML(node *yaml.Node) error {
	*m = KindMap[T]{}
	if node.Kind != yaml.MappingNode {
		if err := node.Decode(&m.Default); err != nil {
			return err
		}
		m.HasDefault = true
		return nil
	}
	m.Kinds = make(map[types.EntityKind]CodeMap[T])
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if key == defaultKey {
			if err := node.Content[i+1].Decode(&m.Default); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			m.HasDefault = true
			continue
		}
		kind, ok := parseKind(key)
		if !ok {
			return fmt.Errorf("unknown entity kind %q", key)
		}
		var cm CodeMap[T]
		if err := node.Content[i+1].Decode(&cm); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		m.Kinds[kind] = cm
	}
	return nil
}

// Get returns the most specific value for kind and code. Lookups go from
// kind and code, to the kind's default, to the global default, to fallback.
func (m KindMap[T]) Get(kind types.EntityKind, code string, fallback T) T {
	if cm, ok := m.Kinds[kind]; ok {
		if v, ok := cm.lookup(code); ok {
			return v
		}
	}
	if m.HasDefault {
		return m.Default
	}
	return fallback
}

func parseKind(s string) (types.EntityKind, bool) {
	for _, k := range types.EntityKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Duration is a time.Duration that also accepts a plain number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid duration")
	}
	if secs, err := strconv.ParseFloat(node.Value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q", node.Value)
	}
	*d = Duration(v)
	return nil
}
