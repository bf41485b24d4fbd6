// Package idgen generates record identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes for the records this service creates.
const (
	PrefixOrder       = "ord_"
	PrefixEscrow      = "esc_"
	PrefixDispute     = "dsp_"
	PrefixMessage     = "msg_"
	PrefixWallet      = "wal_"
	PrefixTransaction = "wtx_"
	PrefixWithdrawal  = "wdr_"
)

// New generates a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "ord_", "esc_").
// Result is prefix + 32 hex chars.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id looks like one generated by WithPrefix(prefix).
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && len(id) == len(prefix)+32
}
