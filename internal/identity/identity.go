// Package identity derives stable session identifiers from client-supplied
// fingerprints.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// IDLength is the number of hex characters retained from the digest.
// Truncation trades collision probability for short identifiers that double
// as directory names; it is not a cryptographic guarantee.
const IDLength = 16

// Resolve maps a fingerprint to a session identifier. The same fingerprint
// always yields the same identifier.
func Resolve(fingerprint string) (string, error) {
	fp := strings.TrimSpace(fingerprint)
	if fp == "" {
		return "", fmt.Errorf("fingerprint is empty")
	}
	sum := sha256.Sum256([]byte(fp))
	return hex.EncodeToString(sum[:])[:IDLength], nil
}
