package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeiFromAny(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    string
		wantErr bool
	}{
		{name: "decimal string", in: "1000000000000000000", want: "1000000000000000000"},
		{name: "json number", in: json.Number("42"), want: "42"},
		{name: "exponent form", in: json.Number("1e18"), want: "1000000000000000000"},
		{name: "exponent string", in: "25e17", want: "2500000000000000000"},
		{name: "int", in: 7, want: "7"},
		{name: "beyond int64", in: "123456789012345678901234567890", want: "123456789012345678901234567890"},
		{name: "fractional", in: json.Number("1.5"), wantErr: true},
		{name: "garbage", in: "i owe you one eth", wantErr: true},
		{name: "wrong type", in: []any{"1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := weiFromAny(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestIntField(t *testing.T) {
	body := map[string]any{
		"deadline_ms": json.Number("1750000000000"),
		"gas_exp":     json.Number("2e5"),
		"frac":        json.Number("3.7"),
		"words":       "soon",
	}

	v, ok, err := intField(body, "deadline_ms")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1750000000000), v)

	v, ok, err = intField(body, "gas_exp")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(200000), v)

	_, ok, err = intField(body, "frac")
	assert.True(t, ok)
	assert.Error(t, err)

	_, ok, err = intField(body, "words")
	assert.True(t, ok)
	assert.Error(t, err)

	_, ok, err = intField(body, "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}
