package request

import "github.com/rpcpool/shardhash/types"

// OverwriteHook selects the counter side effect bound to a request type.
// The four behaviors are fixed strategies, so a tagged variant with a
// single Apply switch carries them instead of four polymorphic hook
// objects.
type OverwriteHook int

const (
	// HookNoop has no counter side effect (FoundOld).
	HookNoop OverwriteHook = iota
	HookMoved
	HookUpdate
	HookDropped
)

// HookFor returns the hook bound to a request type, per the applier's
// dispatch table. Clear and SyncRequest never reach here.
func HookFor(t Type) OverwriteHook {
	switch t {
	case Moved:
		return HookMoved
	case Update:
		return HookUpdate
	case Dropped:
		return HookDropped
	default:
		return HookNoop
	}
}

// Decision is what a hook works out once setPosition has told it what
// (if anything) was there before.
type Decision struct {
	// Apply is false only for Moved when the leaf's current entry does not
	// match req.Prev: the whole request is then a no-op, setPosition is
	// never called.
	Apply bool
	// Delta is the per-cache-segment live-entry counter adjustment.
	Delta int
}

// Apply evaluates h against the request and the leaf's actual prior entry
// (nil if the key had none). For Moved, actualPrev must be the entry
// observed *before* setPosition is invoked (a GetExpiredRecord peek), since
// a mismatch must prevent the mutation entirely.
func (h OverwriteHook) Apply(req *IndexRequest, actualPrev *types.EntryLocation) Decision {
	switch h {
	case HookMoved:
		if actualPrev == nil || !req.Prev.Matches(*actualPrev) {
			return Decision{Apply: false}
		}
		// The decrement compares the request's own new/prev offsets, not
		// the sign of whatever entry was actually stored, so a stored
		// entry that was already a tombstone by its negative file id can
		// still be decremented for.
		// Established behavior; see the note in DESIGN.md before changing.
		delta := 0
		if req.New.Offset < 0 && req.Prev.Offset >= 0 {
			delta = -1
		}
		return Decision{Apply: true, Delta: delta}

	case HookUpdate:
		var prevOffset int64 = -1
		if actualPrev != nil {
			prevOffset = actualPrev.Offset
			if actualPrev.File < 0 {
				prevOffset = -1
			}
		}
		delta := 0
		switch {
		case req.New.Offset >= 0 && prevOffset < 0:
			delta = 1
		case req.New.Offset < 0 && prevOffset >= 0:
			delta = -1
		}
		return Decision{Apply: true, Delta: delta}

	case HookDropped:
		delta := 0
		if actualPrev != nil && req.Prev.Matches(*actualPrev) {
			delta = -1
		}
		return Decision{Apply: true, Delta: delta}

	default: // HookNoop
		return Decision{Apply: true, Delta: 0}
	}
}
