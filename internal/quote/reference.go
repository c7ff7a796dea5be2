package quote

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"quotedesk.org/internal/ids"
)

const referencePrefix = "QR-"

// NewReference builds a human-readable reference: a time-ordered ULID component
// plus a short random suffix. References are globally unique and immutable.
func NewReference() string {
	var b [3]byte
	_, _ = rand.Read(b[:])
	return referencePrefix + ids.New() + "-" + strings.ToUpper(hex.EncodeToString(b[:]))
}
