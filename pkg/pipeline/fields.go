package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
)

// intField extracts body[key] as an integer. The second return reports
// presence; the error reports a present but non-integer value.
func intField(body map[string]any, key string) (int64, bool, error) {
	v, ok := body[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true, nil
		}
		// Exponent forms like 2e5 still denote integers.
		f, err := n.Float64()
		if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
			return 0, true, fmt.Errorf("field %s is not an integer", key)
		}
		return int64(f), true, nil
	case int:
		return int64(n), true, nil
	case int64:
		return n, true, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, true, fmt.Errorf("field %s is not an integer", key)
		}
		return int64(n), true, nil
	default:
		return 0, true, fmt.Errorf("field %s is not numeric", key)
	}
}

func stringField(body map[string]any, key string) (string, bool) {
	v, ok := body[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func mapField(body map[string]any, key string) (map[string]any, bool) {
	v, ok := body[key]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// bigIntField extracts body[key] as a big integer, accepting the same
// forms as weiFromAny.
func bigIntField(body map[string]any, key string) (*big.Int, bool, error) {
	v, ok := body[key]
	if !ok || v == nil {
		return nil, false, nil
	}
	i, err := weiFromAny(v)
	if err != nil {
		return nil, true, fmt.Errorf("field %s: %w", key, err)
	}
	return i, true, nil
}

// weiFromAny converts a JSON value into a wei amount. Integers, decimal
// strings, and exponent forms denoting exact integers ("1e18") are all
// accepted; anything fractional is not.
func weiFromAny(v any) (*big.Int, error) {
	switch n := v.(type) {
	case json.Number:
		return weiFromString(string(n))
	case string:
		return weiFromString(n)
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case float64:
		f := new(big.Float).SetFloat64(n)
		i, acc := f.Int(nil)
		if acc != big.Exact {
			return nil, fmt.Errorf("amount %v is not an integer", n)
		}
		return i, nil
	default:
		return nil, fmt.Errorf("value %T is not a wei amount", v)
	}
}

func weiFromString(s string) (*big.Int, error) {
	if i, ok := new(big.Int).SetString(s, 10); ok {
		return i, nil
	}
	f, _, err := big.ParseFloat(s, 10, 256, big.ToNearestEven)
	if err != nil {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	i, acc := f.Int(nil)
	if acc != big.Exact {
		return nil, fmt.Errorf("amount %q is not an integer", s)
	}
	return i, nil
}
