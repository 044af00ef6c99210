// Package request defines IndexRequest: the mutation/inquiry descriptor a
// shard's applier drains from its queue, plus the completion Future callers
// wait on. Request types and their recordChange/overwriteHook bindings
// mirror the applier's dispatch table; this package only carries the data,
// the shard package interprets it.
package request

import (
	"time"

	"github.com/google/uuid"

	"github.com/rpcpool/shardhash/types"
)

// Type distinguishes the six kinds of request a shard's applier accepts.
type Type int

const (
	// Clear resets the shard's tree to an empty leaf and zeroes its
	// counters. Carries no key/location payload.
	Clear Type = iota
	// SyncRequest runs Action on the applier goroutine and is used as a
	// barrier; it never touches the tree.
	SyncRequest
	// Moved is a compactor-issued relocation, applied only if the leaf's
	// current (file,offset) still equals Prev.
	Moved
	// Update is a new write. Always overwrites whatever was there.
	Update
	// Dropped tombstones Key.
	Dropped
	// FoundOld is a bookkeeping-only insert observed while replaying data
	// files at startup; it carries no counter side effect.
	FoundOld
)

func (t Type) String() string {
	switch t {
	case Clear:
		return "CLEAR"
	case SyncRequest:
		return "SYNC_REQUEST"
	case Moved:
		return "MOVED"
	case Update:
		return "UPDATE"
	case Dropped:
		return "DROPPED"
	case FoundOld:
		return "FOUND_OLD"
	default:
		return "UNKNOWN"
	}
}

// PrevLocation is the (file,offset) a caller believed held the key when it
// issued a Moved or Dropped request; the applier compares it against the
// leaf's actual current entry.
type PrevLocation struct {
	File   types.FileID
	Offset int64
}

// Matches reports whether loc's file and offset equal p's.
func (p PrevLocation) Matches(loc types.EntryLocation) bool {
	return loc.File == p.File && loc.Offset == p.Offset
}

// IndexRequest is one unit of work enqueued to a shard.
type IndexRequest struct {
	ID           uuid.UUID
	Type         Type
	CacheSegment uint32
	Key          []byte

	// New is the location to install for Update/Moved/Dropped/FoundOld;
	// NumRecords is overwritten by the tree's RecordChange bookkeeping,
	// SeqID is stored as given.
	New types.EntryLocation
	// Prev is the caller's belief of the prior location, consulted by
	// Moved's guard and Dropped's counter decision.
	Prev PrevLocation

	// Action runs on the applier goroutine for SyncRequest; nil otherwise.
	Action func()

	SubmittedAt time.Time

	future *Future
}

// New constructs a request of the given type with a fresh completion
// future and correlation id.
func New(typ Type, cacheSegment uint32, key []byte) *IndexRequest {
	return &IndexRequest{
		ID:           uuid.New(),
		Type:         typ,
		CacheSegment: cacheSegment,
		Key:          key,
		SubmittedAt:  time.Now(),
		future:       newFuture(),
	}
}

// Future returns the request's completion future.
func (r *IndexRequest) Future() *Future { return r.future }

// Result is what a request's Future resolves to.
type Result struct {
	// Found/Position answer a lookup-shaped request; Overwritten answers a
	// mutation-shaped one.
	Found       bool
	Position    types.EntryLocation
	Overwritten bool
	Err         error
}

// Future is a single-assignment completion signal, resolved by the shard
// applier (usually via a NonBlockingManager so the applier thread itself
// never blocks on a slow continuation).
type Future struct {
	done   chan struct{}
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete resolves the future. Calling it more than once panics: a
// request is completed exactly once, by exactly the applier that owns it.
func (f *Future) Complete(r Result) {
	f.result = r
	close(f.done)
}

// Wait blocks until the future is resolved and returns its result.
func (f *Future) Wait() Result {
	<-f.done
	return f.result
}

// Done returns a channel closed when the future resolves, for callers that
// want to select on it alongside other events.
func (f *Future) Done() <-chan struct{} { return f.done }
