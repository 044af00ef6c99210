// Package collab declares the external collaborator interfaces the core
// calls out to: Compactor, TemporaryTable, TimeService, and
// NonBlockingManager. Their implementations (the write-ahead data file
// format, the staging hash table, the cache-command interceptor) are
// explicitly out of scope; only these call shapes are.
package collab

import (
	"time"

	"github.com/rpcpool/shardhash/request"
	"github.com/rpcpool/shardhash/types"
)

// FileStats is a data file's free-space bookkeeping as tracked by the
// Compactor, mirroring the 20-byte index.stats record.
type FileStats struct {
	TotalBytes         int64
	FreeBytes          int64
	NextExpirationTime int64
}

// Compactor is notified of data-file free-space statistics on load and
// consulted when writing the index.stats sidecar on graceful stop.
type Compactor interface {
	// AddFreeFile registers id's statistics, read back from index.stats at
	// load time. immediate signals the file is already fully reclaimable.
	AddFreeFile(id types.FileID, total, free int64, nextExpiration int64, immediate bool) (bool, error)
	// ReleaseStats discards id's tracked statistics after its file has been
	// deleted.
	ReleaseStats(id types.FileID)
	// FileStats returns every tracked file's current statistics, used when
	// serializing index.stats.
	FileStats() map[types.FileID]FileStats
}

// TemporaryTable is the in-memory staging area for not-yet-indexed recent
// writes; the applier clears a staged entry once its own write supersedes
// it.
type TemporaryTable interface {
	// RemoveConditionally drops the staged entry for (cacheSegment, key)
	// iff it still points at (file, offset); returns whether it removed
	// anything.
	RemoveConditionally(cacheSegment uint32, key []byte, file types.FileID, offset int64) bool
	// SegmentMax returns the cache-segment count the staging layer expects,
	// used to validate a shard header's segmentCount at load time.
	SegmentMax() uint32
}

// TimeService abstracts wall-clock time so expiration comparisons are
// testable without a real clock.
type TimeService interface {
	Now() time.Time
}

// NonBlockingManager completes a request's future off the applier
// goroutine, so a slow user continuation can never stall the write path.
type NonBlockingManager interface {
	Complete(fut *request.Future, value request.Result)
}
