package helpers

import (
	"encoding/hex"
	"strings"

	"lukechampine.com/blake3"
)

// UserFingerprint returns a short, stable, non-reversible identifier for a
// username so that log lines can be correlated without exposing the address.
func UserFingerprint(username string) string {
	sum := blake3.Sum256([]byte(strings.ToLower(username)))
	return "u:" + hex.EncodeToString(sum[:6])
}
