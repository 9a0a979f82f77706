package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		in      string
		want    Quantity
		wantErr bool
	}{
		{"10", 100_000, false},
		{"0.5", 5_000, false},
		{"1.2345", 12_345, false},
		{"-3", -30_000, false},
		{" 7.10 ", 71_000, false},
		{"1e2", 1_000_000, false},
		{"1.23456", 0, true},
		{"", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseQuantity(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQuantity_String(t *testing.T) {
	assert.Equal(t, "10.0000", NewQuantityFromUnits(10).String())
	assert.Equal(t, "-0.2500", Quantity(-2_500).String())
	assert.Equal(t, "0.0000", Quantity(0).String())
}

func TestQuantity_JSON(t *testing.T) {
	var body struct {
		A Quantity `json:"a"`
		B Quantity `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 4.5, "b": "6"}`), &body))
	assert.Equal(t, Quantity(45_000), body.A)
	assert.Equal(t, NewQuantityFromUnits(6), body.B)

	out, err := json.Marshal(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 4.5, "b": 6}`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"a": 0.00001}`), &body))
}

func TestQuantity_Float(t *testing.T) {
	assert.Equal(t, Quantity(12_346), NewQuantityFromFloat64(1.23456))
	assert.InDelta(t, 1.2346, Quantity(12_346).Float64(), 1e-9)
	assert.Equal(t, NewQuantityFromUnits(3), NewQuantityFromUnits(-3).Abs())
}
