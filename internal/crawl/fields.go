package crawl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Fields is a decoded JSON object whose values are read leniently: providers
// send the same field as a string on one page and a number on the next.
type Fields map[string]json.RawMessage

// DecodeFields decodes a JSON object. Anything else is an incomplete listing.
func DecodeFields(raw []byte) (Fields, error) {
	var f Fields
	if err := json.Unmarshal(raw, &f); err != nil || f == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrIncompleteListing)
	}
	return f, nil
}

// Has reports whether key is present and not null.
func (f Fields) Has(key string) bool {
	raw, ok := f[key]
	return ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// String returns strings unquoted and other scalars verbatim. Absent and null
// values read as "".
func (f Fields) String(key string) string {
	raw, ok := f[key]
	if !ok {
		return ""
	}
	raw = bytes.TrimSpace(raw)
	switch {
	case bytes.Equal(raw, []byte("null")):
		return ""
	case len(raw) > 0 && raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	default:
		return string(raw)
	}
}

// Required is String for a field that must be present and non-blank.
func (f Fields) Required(key string) (string, error) {
	s := f.String(key)
	if s == "" {
		return "", fmt.Errorf("%w: %s is missing", ErrIncompleteListing, key)
	}
	return s, nil
}

// RequiredFloat reads a mandatory number.
func (f Fields) RequiredFloat(key string) (float64, error) {
	s, err := f.Required(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not a number", ErrIncompleteListing, key, s)
	}
	return v, nil
}

// RequiredInt reads a mandatory integer.
func (f Fields) RequiredInt(key string) (int64, error) {
	s, err := f.Required(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not an integer", ErrIncompleteListing, key, s)
	}
	return v, nil
}

// ParseCount reads a room count. Non-numeric values and counts below one are absent.
func ParseCount(s string) *int {
	if s == "" || strings.Trim(s, "0123456789") != "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return nil
	}
	return &n
}

// ParseDecimal reads an optional decimal. Unparsable values are absent.
func ParseDecimal(s string) *decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}
