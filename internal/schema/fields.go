// Package schema implements the typed per-kind validation of envelope
// bodies (C3 of the settlement core): presence, type, numeric range, and
// cross-field consistency checks, with no side effects.
package schema

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
	"github.com/yourusername/swapcore/internal/envelope"
)

// Result is {ok:true} or {ok:false, reason} per §4.3.
type Result struct {
	OK     bool
	Reason string
}

func ok() Result                   { return Result{OK: true} }
func bad(format string, a ...any) Result { return Result{OK: false, Reason: fmt.Sprintf(format, a...)} }

var digitsOnly = regexp.MustCompile(`^[0-9]+$`)

func getString(body map[string]any, key string) (string, bool) {
	v, exists := body[key]
	if !exists {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func getInt64(body map[string]any, key string) (int64, bool) {
	v, exists := body[key]
	if !exists {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func getMap(body map[string]any, key string) (map[string]any, bool) {
	v, exists := body[key]
	if !exists {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// decimalAmount parses a "decimal string of base-10 digits only" field
// (the spec explicitly forbids signs, exponents, and separators).
func decimalAmount(body map[string]any, key string) (decimal.Decimal, bool) {
	s, ok := getString(body, key)
	if !ok || !digitsOnly.MatchString(s) {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
