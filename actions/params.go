package actions

import (
	"encoding/json"
	"math"
	"strings"
)

// Paging defaults and bounds
const (
	DefaultPage     = 1
	DefaultPageSize = 100
	MaxPageSize     = 100
)

// Params is the untyped data of a request with typed accessors. Numbers
// arrive as json.Number from the codec; float64 and Go integers are
// accepted too so that actions can be called directly.
type Params map[string]any

// Has reports whether key is present and not null
func (p Params) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

// String returns the string at key. ok is false when the key is absent or null.
func (p Params) String(key string) (value string, ok bool, err error) {
	raw, present := p[key]
	if !present || raw == nil {
		return "", false, nil
	}
	s, isString := raw.(string)
	if !isString {
		return "", false, Invalid(key, "must be a string")
	}
	return s, true, nil
}

// RequiredString returns the non-blank string at key
func (p Params) RequiredString(key string) (string, error) {
	s, ok, err := p.String(key)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(s) == "" {
		return "", Invalid(key, "is required")
	}
	return s, nil
}

// Int returns the integer at key. ok is false when the key is absent or null.
func (p Params) Int(key string) (value int64, ok bool, err error) {
	raw, present := p[key]
	if !present || raw == nil {
		return 0, false, nil
	}

	switch v := raw.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true, nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, false, Invalid(key, "must be an integer")
		}
		return floatToInt(key, f)
	case float64:
		return floatToInt(key, v)
	case int:
		return int64(v), true, nil
	case int32:
		return int64(v), true, nil
	case int64:
		return v, true, nil
	default:
		return 0, false, Invalid(key, "must be an integer")
	}
}

func floatToInt(key string, f float64) (int64, bool, error) {
	if f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false, Invalid(key, "must be an integer")
	}
	return int64(f), true, nil
}

// RequiredInt returns the integer at key
func (p Params) RequiredInt(key string) (int64, error) {
	n, ok, err := p.Int(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, Invalid(key, "is required")
	}
	return n, nil
}

// Bool returns the boolean at key. ok is false when the key is absent or null.
func (p Params) Bool(key string) (value bool, ok bool, err error) {
	raw, present := p[key]
	if !present || raw == nil {
		return false, false, nil
	}
	b, isBool := raw.(bool)
	if !isBool {
		return false, false, Invalid(key, "must be a boolean")
	}
	return b, true, nil
}

// Page reads page and size, applying defaults. page must be at least 1 and
// size between 1 and MaxPageSize.
func (p Params) Page() (page, size int, err error) {
	pg, ok, err := p.Int("page")
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		pg = DefaultPage
	}
	if pg < 1 {
		return 0, 0, Invalid("page", "must be at least 1")
	}

	sz, ok, err := p.Int("size")
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		sz = DefaultPageSize
	}
	if sz < 1 || sz > MaxPageSize {
		return 0, 0, Invalid("size", "must be between 1 and %d", MaxPageSize)
	}

	if pg > math.MaxInt32 {
		return 0, 0, Invalid("page", "is too large")
	}
	return int(pg), int(sz), nil
}
