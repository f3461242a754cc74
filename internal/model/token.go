package model

import (
	"encoding/base64"
	"fmt"
)

// Token is the 128-bit correlation id of the fetch that produced a listing.
// It travels base64 encoded.
type Token [16]byte

// IsZero reports whether the token is unset.
func (t Token) IsZero() bool {
	return t == Token{}
}

// String returns the base64 form of the token.
func (t Token) String() string {
	return base64.StdEncoding.EncodeToString(t[:])
}

// MarshalText implements encoding.TextMarshaler.
func (t Token) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Token) UnmarshalText(text []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode token: %w", err)
	}
	if len(raw) != len(t) {
		return fmt.Errorf("decode token: want %d bytes, got %d", len(t), len(raw))
	}
	copy(t[:], raw)
	return nil
}
