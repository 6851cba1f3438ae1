package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Canonical renders e's unsigned projection as the deterministic byte
// sequence defined by §4.1: mapping keys sorted lexicographically,
// numbers as shortest round-trip decimal, strings with minimal JSON
// escaping, array order preserved. Signer/Sig are never part of the
// canonical bytes — they are what gets signed over, not what is signed.
func Canonical(e *Envelope) ([]byte, error) {
	m, err := e.unsigned().toMap()
	if err != nil {
		return nil, fmt.Errorf("envelope: project to map: %w", err)
	}
	delete(m, "signer")
	delete(m, "sig")

	var buf bytes.Buffer
	if err := writeCanonical(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalSigned renders e including signer/sig, sorted the same way.
// Used only for wire transmission, never for hashing.
func CanonicalSigned(e *Envelope) ([]byte, error) {
	m, err := e.toMap()
	if err != nil {
		return nil, fmt.Errorf("envelope: project to map: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeCanonicalString(buf, t)
	case json.Number:
		buf.WriteString(canonicalNumber(string(t)))
	case float64:
		buf.WriteString(strconv.FormatFloat(t, 'f', -1, 64))
	case int:
		buf.WriteString(strconv.Itoa(t))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case map[string]any:
		return writeCanonicalObject(buf, t)
	case []any:
		return writeCanonicalArray(buf, t)
	default:
		return fmt.Errorf("envelope: canonicalize: unsupported type %T", v)
	}
	return nil
}

func writeCanonicalString(buf *bytes.Buffer, s string) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(raw)
	return nil
}

func writeCanonicalObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeCanonicalArray(buf *bytes.Buffer, a []any) error {
	buf.WriteByte('[')
	for i, v := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonical(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// canonicalNumber normalizes a JSON number's literal text to the shortest
// decimal with no trailing zeros beyond the significant digit, without
// going through a floating point round trip (which would corrupt large
// integers like millisecond timestamps).
func canonicalNumber(lit string) string {
	neg := false
	s := lit
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}

	intPart, fracPart := s, ""
	if i := indexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}

	// Trim trailing zeros from the fractional part; drop it entirely if
	// nothing significant remains.
	for len(fracPart) > 0 && fracPart[len(fracPart)-1] == '0' {
		fracPart = fracPart[:len(fracPart)-1]
	}

	// Trim leading zeros from the integer part (keep a single "0").
	for len(intPart) > 1 && intPart[0] == '0' {
		intPart = intPart[1:]
	}
	if intPart == "" {
		intPart = "0"
	}

	out := intPart
	if fracPart != "" {
		out += "." + fracPart
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
