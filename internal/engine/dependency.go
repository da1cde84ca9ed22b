package engine

import (
	"sort"

	"github.com/tunetrainer/synccore/internal/outbox"
	"github.com/tunetrainer/synccore/internal/registry"
	"github.com/tunetrainer/synccore/internal/wire"
)

// dependencyLess is the ordering rule spec.md §4.E steps 2 and 5.c share:
// inserts/updates sort ascending by sync order (parents first, satisfying
// FK dependencies on write); deletes sort descending (children first); a
// batch mixing both places every delete after every non-delete. Ties break
// by arrival order, which a stable sort preserves for free.
func dependencyLess(aDelete, bDelete bool, aOrder, bOrder int) bool {
	if aDelete != bDelete {
		return !aDelete
	}
	if aDelete {
		return aOrder > bOrder
	}
	return aOrder < bOrder
}

// sortEntriesForPush orders pending outbox entries per the dependency rule
// before building a push payload (spec.md §4.E step 2). The Less function
// re-derives each element's classification from the slice itself (rather
// than a parallel array indexed by original position), since sort.Slice
// permutes the slice in place and a position-indexed cache would drift out
// of sync with the elements it describes.
func sortEntriesForPush(entries []outbox.Entry, reg *registry.Registry) {
	syncOrder := func(table string) int {
		if t, err := reg.Lookup(table); err == nil {
			return t.SyncOrder
		}
		return 0
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		return dependencyLess(a.Operation == wire.OpDelete, b.Operation == wire.OpDelete, syncOrder(a.Table), syncOrder(b.Table))
	})
}

// sortChangesForApply orders one pulled page per the dependency rule
// before applying it locally (spec.md §4.E step 5.c).
func sortChangesForApply(changes []wire.Change, reg *registry.Registry) {
	syncOrder := func(table string) int {
		if t, err := reg.Lookup(table); err == nil {
			return t.SyncOrder
		}
		return 0
	}
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		return dependencyLess(a.Deleted, b.Deleted, syncOrder(a.Table), syncOrder(b.Table))
	})
}
