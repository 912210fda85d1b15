package helpers

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// HexToBytes decodes a hex string with or without a 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
}

// HexToFixed decodes a hex string that must be exactly n bytes long.
func HexToFixed(s string, n int) ([]byte, error) {
	b, err := HexToBytes(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}

// Strip0x lower-cases a hex string and removes a 0x prefix, so values
// coming from EVM nodes compare equal to values stored without one.
func Strip0x(s string) string {
	return strings.TrimPrefix(strings.ToLower(s), "0x")
}

// ConstantTimeCompare compares two byte slices in constant time.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
