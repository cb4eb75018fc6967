// Package idgen generates hash-based identifiers for jobs and target
// records. Base36 keeps IDs short and case-insensitive-safe.
package idgen

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// jobIDLength is the base36 digest width of a job ID suffix.
const jobIDLength = 10

// EncodeBase36 converts a byte slice to a base36 string of the given
// length, keeping the least significant digits on overflow.
func EncodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)

	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	var b strings.Builder
	for i := len(chars) - 1; i >= 0; i-- {
		b.WriteByte(chars[i])
	}

	str := b.String()
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}

// NewJobID creates an ID like "job-4k2j9x81mq" from the job's kind,
// tenant, and submission time. The nonce disambiguates submissions in
// the same nanosecond.
func NewJobID(kind, tenant string, at time.Time, nonce int) string {
	content := fmt.Sprintf("%s|%s|%d|%d", kind, tenant, at.UnixNano(), nonce)
	sum := sha256.Sum256([]byte(content))
	return "job-" + EncodeBase36(sum[:], jobIDLength)
}

// NewTargetID creates a stable CAMA record ID from the entity type and
// source ID, so re-upserting the same record always yields the same
// target identity.
func NewTargetID(entity, sourceID string) string {
	sum := sha256.Sum256([]byte(entity + "|" + sourceID))
	return "cama-" + EncodeBase36(sum[:], 12)
}
