package report

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

var referenceSpace = big.NewInt(10_000_000)

// NewReferenceNumber returns a human-facing id in the form RPT-YYYY-NNNNNNN.
func NewReferenceNumber(now time.Time) string {
	n, err := rand.Int(rand.Reader, referenceSpace)
	if err != nil {
		return fmt.Sprintf("RPT-%04d-%07d", now.Year(), now.UnixNano()%10_000_000)
	}
	return fmt.Sprintf("RPT-%04d-%07d", now.Year(), n.Int64())
}
