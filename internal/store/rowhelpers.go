package store

import (
	"fmt"
	"time"
)

// Row accessors centralize the "Number(x ?? 0)"-style safe coercion spec §4.9
// calls for, applied uniformly to every column read rather than per call site.

func (r Row) Str(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// StrPtr returns nil for NULL/missing columns instead of "", used for
// optional columns such as parent_stream.
func (r Row) StrPtr(key string) *string {
	v, ok := r[key]
	if !ok || v == nil {
		return nil
	}
	s := fmt.Sprintf("%v", v)
	return &s
}

func (r Row) Int(key string) int {
	v, ok := r[key]
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return int(n)
	case int32:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func (r Row) Float(key string) float64 {
	v, ok := r[key]
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func (r Row) Bool(key string) bool {
	return r.Int(key) != 0
}

// Time parses an RFC3339 column, returning the zero time on any problem
// rather than erroring — timestamps are always written by this codebase in
// RFC3339, so a parse failure only happens on corrupted data and callers
// treat a zero time the same as "unknown".
func (r Row) Time(key string) time.Time {
	s := r.Str(key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func NowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
