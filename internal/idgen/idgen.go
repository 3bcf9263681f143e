// Package idgen generates identifiers for order groups, positions, and
// orders.
package idgen

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// NewPositionID returns a fresh opaque position identifier.
func NewPositionID() string {
	return "pos-" + uuid.NewString()
}

// NewOrderID returns a fresh opaque broker-facing order identifier.
func NewOrderID() string {
	return "ord-" + uuid.NewString()
}

var groupSeq int64

// NewGroupID returns a monotonically increasing group id. A
// process-local atomic counter is
// sufficient because OrderGroups are created by the single-threaded bar
// loop; the counter is seeded from persisted state on crash recovery via
// SeedGroupSequence.
func NewGroupID() int64 {
	return atomic.AddInt64(&groupSeq, 1)
}

// SeedGroupSequence advances the group-id counter past last, so ids
// issued after a restart never collide with ids recovered from durable
// storage.
func SeedGroupSequence(last int64) {
	for {
		cur := atomic.LoadInt64(&groupSeq)
		if last <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&groupSeq, cur, last) {
			return
		}
	}
}
