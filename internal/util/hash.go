package util

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// UserIDHasher pseudonymizes fiscal codes for log output with a keyed
// BLAKE2b digest. The salt is deployment-specific, so hashes correlate
// within one deployment's logs but are useless outside it. Raw fiscal codes
// must never reach a log line.
func UserIDHasher(salt []byte) func(string) string {
	return func(fiscalCode string) string {
		h, err := blake2b.New256(salt)
		if err != nil {
			// Only reachable with a salt longer than 64 bytes; fall back to
			// an unkeyed digest rather than leaking the raw value.
			h, _ = blake2b.New256(nil)
		}
		h.Write([]byte(fiscalCode))
		return hex.EncodeToString(h.Sum(nil)[:16])
	}
}
