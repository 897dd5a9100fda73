package types

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIndications(t *testing.T) {
	t.Run("map keys", func(t *testing.T) {
		got, err := ParseIndications(map[string]any{"t2": 45.5, "vl_1": "120", "3": 7})
		require.NoError(t, err)
		assert.Equal(t, []float64{120, 45.5, 7}, got)
	})

	t.Run("map duplicate same value", func(t *testing.T) {
		got, err := ParseIndications(map[string]any{"t1": 10, "1": 10.0})
		require.NoError(t, err)
		assert.Equal(t, []float64{10}, got)
	})

	t.Run("map duplicate different value", func(t *testing.T) {
		_, err := ParseIndications(map[string]any{"t1": 10, "vl1": 11})
		assert.ErrorContains(t, err, "altering indication value for same index: 1")
	})

	t.Run("map missing index", func(t *testing.T) {
		_, err := ParseIndications(map[string]any{"t1": 10, "t3": 11})
		assert.ErrorContains(t, err, "missing indication index: 2")
	})

	t.Run("map extra keys", func(t *testing.T) {
		_, err := ParseIndications(map[string]any{"t1": 10, "day": 11})
		assert.ErrorContains(t, err, "extra keys not allowed: day")
	})

	t.Run("map negative", func(t *testing.T) {
		_, err := ParseIndications(map[string]any{"t1": -1})
		assert.ErrorContains(t, err, "must be positive")
	})

	t.Run("non finite", func(t *testing.T) {
		for _, in := range []any{"NaN", "Inf", "+Inf", "-inf", []any{1, "nan"}, map[string]any{"t1": math.Inf(1)}, math.NaN()} {
			_, err := ParseIndications(in)
			assert.ErrorContains(t, err, "must be a finite number", in)
		}
	})

	t.Run("string", func(t *testing.T) {
		got, err := ParseIndications("125, 50,3.5")
		require.NoError(t, err)
		assert.Equal(t, []float64{125, 50, 3.5}, got)
	})

	t.Run("string invalid", func(t *testing.T) {
		_, err := ParseIndications("125,abc")
		assert.ErrorContains(t, err, "invalid indication value")
	})

	t.Run("list", func(t *testing.T) {
		got, err := ParseIndications([]any{1, "2", json.Number("3.25")})
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2, 3.25}, got)
	})

	t.Run("single number", func(t *testing.T) {
		got, err := ParseIndications(42.0)
		require.NoError(t, err)
		assert.Equal(t, []float64{42}, got)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ParseIndications([]any{})
		assert.ErrorIs(t, err, ErrEmptyIndications)
		_, err = ParseIndications(map[string]any{})
		assert.ErrorIs(t, err, ErrEmptyIndications)
		_, err = ParseIndications(nil)
		assert.ErrorIs(t, err, ErrEmptyIndications)
	})
}

func TestIndicationsDict(t *testing.T) {
	assert.Nil(t, IndicationsDict(nil))
	assert.Equal(t, map[string]float64{"t1": 1, "t2": 2.5}, IndicationsDict([]float64{1, 2.5}))
}
