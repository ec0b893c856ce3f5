// Package merge implements MergeCoordinator, the process that folds
// every producer fragment's local filter payload into one merged
// value and broadcasts it once all expected producers have reported
// (spec §4.5). Grounded on the teacher's internal/indexer merge-sort
// fan-in (internal/indexer/sorter.go), generalized from "merge sorted
// runs" to "merge filterval.Value payloads" and using
// github.com/cespare/xxhash/v2 for the duplicate-contribution guard in
// place of the teacher's row-key hashing.
package merge

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/runtimefilter/rtfilter/internal/filterval"
)

// Coordinator accumulates one filter's per-producer contributions and
// fires onComplete exactly once, the first time the accumulated count
// reaches expected. A Coordinator is single-use: once complete it
// rejects further Accept calls.
type Coordinator struct {
	filterID uint32
	expected int

	mu         sync.Mutex
	acc        filterval.Value
	seenHashes map[uint64]struct{}
	contribs   int
	allEmpty   bool
	complete   bool
	onComplete func(merged filterval.Value, allEmpty bool) error
}

// New creates a coordinator for filterID expecting exactly expected
// producer contributions before it considers the filter merged and
// invokes onComplete with the final value (spec §4.5 "merged
// transition at N producers"). onComplete is called synchronously
// from within the Accept call that completes the merge. allEmpty is
// true iff every accepted contribution reported zero rows inserted
// (spec §4.1 "empty producer relation"), which only holds for a
// shuffle filter when every one of its producers saw an empty build
// side.
func New(filterID uint32, expected int, onComplete func(merged filterval.Value, allEmpty bool) error) *Coordinator {
	return &Coordinator{
		filterID:   filterID,
		expected:   expected,
		seenHashes: make(map[uint64]struct{}, expected),
		allEmpty:   true,
		onComplete: onComplete,
	}
}

func (c *Coordinator) FilterID() uint32 { return c.filterID }

// Accept folds one producer's local value into the accumulator. A
// content hash over (producer_id, serialized payload) deduplicates a
// producer that retransmits after a transport-level retry: each
// (producer, payload) pair is counted at most once. A resend with
// identical content from the SAME producer is silently accepted
// without double-counting, but two different producers whose
// contributions happen to serialize identically (e.g. two empty build
// partitions) must both still count toward expected. A second,
// different payload from the same producer is a new pair and is
// counted again.
func (c *Coordinator) Accept(producerID uint64, v filterval.Value, empty bool) error {
	payload, err := v.Serialize()
	if err != nil {
		return fmt.Errorf("merge: serialize contribution from producer %d: %w", producerID, err)
	}
	keyed := binary.LittleEndian.AppendUint64(make([]byte, 0, 8+len(payload)), producerID)
	keyed = append(keyed, payload...)
	h := xxhash.Sum64(keyed)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.complete {
		return nil
	}
	if _, dup := c.seenHashes[h]; dup {
		return nil
	}
	c.seenHashes[h] = struct{}{}

	if c.acc == nil {
		c.acc = v.Clone()
	} else if err := c.acc.Merge(v); err != nil {
		return fmt.Errorf("merge: filter %d: %w", c.filterID, err)
	}
	c.contribs++
	c.allEmpty = c.allEmpty && empty

	if c.contribs >= c.expected {
		c.complete = true
		if c.onComplete != nil {
			return c.onComplete(c.acc, c.allEmpty)
		}
	}
	return nil
}

// Contributions reports how many distinct producer payloads have been
// accepted so far.
func (c *Coordinator) Contributions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contribs
}

// IsComplete reports whether the coordinator reached its expected
// producer count and fired onComplete.
func (c *Coordinator) IsComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

// Current returns the accumulator's current value (possibly partial,
// if IsComplete is false), or nil if nothing has been accepted yet.
// Used by diagnostics and by a timeout path that wants to publish
// whatever was merged so far instead of nothing.
func (c *Coordinator) Current() filterval.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acc == nil {
		return nil
	}
	return c.acc.Clone()
}

// ForceComplete finalizes the coordinator with whatever has been
// accumulated so far, even if expected contributions never all
// arrived -- the path a producer-side timeout takes (spec §4.3
// "timed-out" transition propagating to the merge layer). It is a
// no-op if already complete.
func (c *Coordinator) ForceComplete() error {
	c.mu.Lock()
	if c.complete {
		c.mu.Unlock()
		return nil
	}
	c.complete = true
	acc := c.acc
	allEmpty := c.allEmpty
	cb := c.onComplete
	c.mu.Unlock()

	if acc == nil || cb == nil {
		return nil
	}
	return cb(acc, allEmpty)
}
