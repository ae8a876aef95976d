package irt

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/XiaoConstantine/fluidopt/pkg/errors"
)

// Snapshot is an immutable view of the item bank's parameters. Sessions and
// ability estimates always bind to one snapshot so a concurrent recalibration
// can never shift the scale under a running session.
type Snapshot struct {
	version int64
	items   map[string]*Item
	ordered []string // Stable iteration order
}

func newSnapshot(version int64, items []*Item) *Snapshot {
	s := &Snapshot{
		version: version,
		items:   make(map[string]*Item, len(items)),
		ordered: make([]string, 0, len(items)),
	}
	for _, item := range items {
		cp := item.Clone()
		s.items[cp.ID] = cp
		s.ordered = append(s.ordered, cp.ID)
	}
	sort.Strings(s.ordered)
	return s
}

// Version returns the snapshot's monotonically increasing version number.
func (s *Snapshot) Version() int64 {
	return s.version
}

// Item looks up an item by id.
func (s *Snapshot) Item(id string) (*Item, bool) {
	item, ok := s.items[id]
	return item, ok
}

// Len returns the number of items in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.items)
}

// Items returns all items in stable id order. Callers must not mutate them.
func (s *Snapshot) Items() []*Item {
	out := make([]*Item, 0, len(s.ordered))
	for _, id := range s.ordered {
		out = append(out, s.items[id])
	}
	return out
}

// Domains returns the distinct domain tags present in the snapshot.
func (s *Snapshot) Domains() []string {
	seen := make(map[string]struct{})
	var domains []string
	for _, id := range s.ordered {
		d := s.items[id].Domain
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			domains = append(domains, d)
		}
	}
	return domains
}

// Bank owns the item parameters. It is read-mostly: readers grab the current
// snapshot with a single atomic load, and a calibration job publishes a new
// parameter set with a copy-on-write swap. A cancelled or rejected
// calibration never touches the committed snapshot.
type Bank struct {
	current atomic.Pointer[Snapshot]

	mu          sync.Mutex // Serializes Commit/Revert
	nextVersion int64
}

// NewBank seeds a bank with an initial item set as snapshot version 1.
func NewBank(items []*Item) (*Bank, error) {
	if len(items) == 0 {
		return nil, errors.New(errors.InvalidInput, "item bank requires at least one item")
	}
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.ID == "" {
			return nil, errors.New(errors.InvalidInput, "item id must not be empty")
		}
		if _, dup := seen[item.ID]; dup {
			return nil, errors.WithFields(
				errors.New(errors.InvalidInput, "duplicate item id"),
				errors.Fields{"item_id": item.ID})
		}
		seen[item.ID] = struct{}{}
	}

	b := &Bank{nextVersion: 1}
	b.current.Store(newSnapshot(1, items))
	return b, nil
}

// Snapshot returns the currently committed snapshot.
func (b *Bank) Snapshot() *Snapshot {
	return b.current.Load()
}

// Commit publishes a new parameter set and returns the committed snapshot.
// The swap is atomic: concurrent readers see either the old snapshot or the
// new one, never a partial write.
func (b *Bank) Commit(items []*Item) *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextVersion++
	next := newSnapshot(b.nextVersion, items)
	b.current.Store(next)
	return next
}

// Revert restores a previously committed snapshot. Used when the overfitting
// validator rejects a refit after it was provisionally committed.
func (b *Bank) Revert(prev *Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current.Store(prev)
}
