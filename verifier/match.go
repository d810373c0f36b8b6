package verifier

import (
	"encoding/hex"
	"strings"
)

// Match reports whether fetched runtime code is a deployment of reference.
// Code matches when it equals the reference after normalising the hex prefix
// and case, or when it starts with the reference, which covers deployments
// that carry appended constructor metadata. Empty code never matches.
func Match(code, reference string) bool {
	fetched := normalizeHex(code)
	want := normalizeHex(reference)
	if fetched == "" || want == "" {
		return false
	}
	if fetched == want {
		return true
	}
	return strings.HasPrefix(fetched, want)
}

// SameRuntime reports whether two runtime codes are identical once the
// trailing compiler metadata of each is removed.
func SameRuntime(a, b string) bool {
	left := stripMetadata(normalizeHex(a))
	right := stripMetadata(normalizeHex(b))
	return left != "" && left == right
}

// stripMetadata drops the CBOR metadata section solc appends to runtime code.
// The last two bytes hold its length and the section opens with a CBOR map.
func stripMetadata(code string) string {
	raw, err := hex.DecodeString(code)
	if err != nil || len(raw) < 3 {
		return code
	}
	size := int(raw[len(raw)-2])<<8 | int(raw[len(raw)-1])
	start := len(raw) - 2 - size
	if size == 0 || start <= 0 {
		return code
	}
	if head := raw[start]; head < 0xa1 || head > 0xa5 {
		return code
	}
	return code[:start*2]
}

func normalizeHex(value string) string {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) >= 2 && trimmed[0] == '0' && (trimmed[1] == 'x' || trimmed[1] == 'X') {
		trimmed = trimmed[2:]
	}
	return strings.ToLower(trimmed)
}
