// Package credential owns the single-use code workflow: one live record per
// seller, last-write-wins issuance, lazy expiry, and atomic
// validate-and-consume so two concurrent submissions cannot both spend the
// same code.
package credential

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// TTL is how long an issued one-time code stays valid. Expiry is checked
// lazily at validation time; there is no background sweep.
const TTL = 600 * time.Second

// CodeLength is the number of digits in a one-time code.
const CodeLength = 5

// Record is the live credential for one seller. At most one record exists per
// subject; a new issuance silently invalidates the previous code.
type Record struct {
	Subject       string    `json:"subject"`
	Code          string    `json:"code"`
	EscrowAddress string    `json:"escrow_address"`
	Requirements  string    `json:"requirements"`
	Contact       string    `json:"contact,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
}

// ExpiresAt reports when the code stops validating.
func (r Record) ExpiresAt() time.Time {
	return r.IssuedAt.Add(TTL)
}

// NormalizeSubject lowercases and trims an address so all stores key
// consistently regardless of checksum casing in the source event or request.
func NormalizeSubject(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// GenerateCode returns a fresh fixed-length digit code.
func GenerateCode() (string, error) {
	var b strings.Builder
	for range CodeLength {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
