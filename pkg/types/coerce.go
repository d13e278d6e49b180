package types

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ToFloat reads loosely typed numeric payload values. Strings may carry
// thousands separators. Anything unparsable counts as zero.
func ToFloat(v any) float64 {
	switch n := v.(type) {
	case nil:
		return 0
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return f
	case string:
		cleaned := strings.TrimSpace(strings.ReplaceAll(n, ",", ""))
		if cleaned == "" {
			return 0
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0
		}
		return f
	}
	return 0
}

// ToInt truncates ToFloat toward zero.
func ToInt(v any) int64 {
	return int64(ToFloat(v))
}

// ToBool accepts booleans, numbers and the usual yes/no spellings.
func ToBool(v any, fallback bool) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int, int32, int64, float32, float64, json.Number:
		return ToFloat(b) != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes", "y":
			return true
		case "false", "0", "no", "n":
			return false
		}
	}
	return fallback
}

// ToID renders an identifier as the document id string. Integral floats lose
// their fractional part so 101.0 and 101 map to the same document.
func ToID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(id)
	case json.Number:
		if i, err := id.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return strings.TrimSpace(id.String())
	case float64:
		if id == math.Trunc(id) {
			return strconv.FormatInt(int64(id), 10)
		}
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case int32:
		return strconv.FormatInt(int64(id), 10)
	}
	return ""
}

// FirstID returns the first non-empty identifier among keys.
func FirstID(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if id := ToID(data[k]); id != "" {
			return id
		}
	}
	return ""
}

// FirstTruthy returns the first value among keys that is neither missing,
// nil, zero nor empty.
func FirstTruthy(data map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		v, ok := data[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		if isNumber(v) && ToFloat(v) == 0 {
			continue
		}
		return v, true
	}
	return nil, false
}

// Round2 rounds half away from zero to two decimals.
func Round2(f float64) float64 {
	return decimal.NewFromFloat(f).Round(2).InexactFloat64()
}

// ClampZero floors negative values at zero.
func ClampZero(f float64) float64 {
	if f < 0 {
		return 0
	}
	return f
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64, json.Number:
		return true
	}
	return false
}
