// Package idgen generates identifiers for documents, batches, reservations
// and events. Stores take a Generator so tests can pin IDs.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 v7 UUIDs. They sort by creation time,
// which keeps listing queries in insertion order.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every ID from gen, e.g. "doc_", "bat_", "rsv_".
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a deterministic Generator producing prefix1, prefix2, ...
// It is not safe for concurrent use and exists for tests.
func Sequence(prefix string) Generator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

// Default is the generator used when a component is not given one.
var Default Generator = UUIDv7()

// New produces an ID using Default.
func New() string {
	return Default()
}
