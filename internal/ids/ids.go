// Package ids issues the entity identifiers used across the ledger.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

var entropy = &ulid.LockedMonotonicReader{
	MonotonicReader: ulid.Monotonic(rand.Reader, 0),
}

// New returns a lexicographically sortable identifier. Accounts,
// transactions and sales all share this keyspace.
func New() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
