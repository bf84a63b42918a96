// Package fingerprint derives short, stable content identifiers for
// normalized images. The identifier keys the result cache and the
// detection override slot.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
)

// PrefixBytes is how much of the data URI feeds the digest. The base64
// prefix of a compressed raster is effectively unique per photo, and
// bounding the input keeps fingerprinting O(1) in image size.
const PrefixBytes = 1000

// Length is the hex length of a fingerprint.
const Length = 16

// FromDataURI computes the fingerprint of a normalized image's data URI.
// Inputs shorter than PrefixBytes are digested whole, so the function is
// total: every string has a fingerprint.
func FromDataURI(dataURI string) string {
	prefix := dataURI
	if len(prefix) > PrefixBytes {
		prefix = prefix[:PrefixBytes]
	}
	sum := sha256.Sum256([]byte(prefix))
	return hex.EncodeToString(sum[:])[:Length]
}
