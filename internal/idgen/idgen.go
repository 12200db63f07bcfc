// Package idgen produces lexicographically sortable, type-prefixed
// resource IDs (pay_, txn_, ent_ followed by a 26-character token).
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefix identifies the resource kind encoded at the front of an ID.
type Prefix string

const (
	PaymentPrefix     Prefix = "pay"
	TransactionPrefix Prefix = "txn"
	EntryPrefix       Prefix = "ent"
)

// entropy is a single monotonic source shared by the whole process: ulid's
// MonotonicReader guarantees strictly increasing tokens for IDs minted in
// the same millisecond, which is what makes the generator monotonic even
// under a burst of same-timestamp calls.
var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New mints a new sortable ID with the given prefix.
func New(prefix Prefix) string {
	mu.Lock()
	defer mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return string(prefix) + "_" + id.String()
}

// Payment, Transaction, and Entry are convenience wrappers over New.
func Payment() string     { return New(PaymentPrefix) }
func Transaction() string { return New(TransactionPrefix) }
func Entry() string       { return New(EntryPrefix) }

// HasPrefix reports whether id is prefixed with p ("pay_", "txn_", "ent_").
func HasPrefix(id string, p Prefix) bool {
	want := string(p) + "_"
	if len(id) <= len(want) {
		return false
	}
	return id[:len(want)] == want
}
