package matcher

import (
	"strconv"
)

// CoerceToString converts a selected event value into the string form used
// for String matcher comparison (spec §4.1 "Type coercion at match time").
// Numbers stringify in decimal; floats truncate to their integer part to
// preserve parity with the reference implementation; booleans render as
// "true"/"false"; null renders as "null".
func CoerceToString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	case nil:
		return "null", true
	case int:
		return strconv.FormatInt(int64(t), 10), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatInt(int64(t), 10), true
	case float32:
		return strconv.FormatInt(int64(t), 10), true
	default:
		return "", false
	}
}

// CoerceToInt converts a selected event value into an int64 for Numeric
// matcher comparison. Floats are only accepted when finite and within int64
// bounds; strings parse as int64 or fail; anything else fails.
func CoerceToInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case uint64:
		if t <= 1<<63-1 {
			return int64(t), true
		}
		return 0, false
	case float64:
		if !isFiniteInI64Range(t) {
			return 0, false
		}
		return int64(t), true
	case float32:
		return CoerceToInt(float64(t))
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func isFiniteInI64Range(f float64) bool {
	if f != f { // NaN
		return false
	}
	if f > 9223372036854775807.0 || f < -9223372036854775808.0 {
		return false
	}
	return true
}
