// Package shardhash is the fan-out facade over a set of shards: one B+tree
// index per cache segment, dispatched by cache-segment id, coordinated
// through start/addSegments/removeSegments/clear/stop/load. N shards apply
// their mutations independently behind a shared read/write lock; the lock
// is only ever write-held for topology changes, clear and stop.
package shardhash

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rpcpool/shardhash/collab"
	"github.com/rpcpool/shardhash/filehandle"
	"github.com/rpcpool/shardhash/node"
	"github.com/rpcpool/shardhash/request"
	"github.com/rpcpool/shardhash/shard"
	"github.com/rpcpool/shardhash/types"
)

var log = logging.Logger("shardhash")

// Config bounds every shard the Index manages and the directory they live
// in.
type Config struct {
	Dir           string
	CacheSegments uint32
	MinNodeSize   types.Length
	MaxNodeSize   types.Length
	MaxOpenFiles  int
}

// Index fans requests out to one Shard per cache segment. The global lock
// is held in write mode only for start/addSegments/removeSegments/clear/
// stop, and in read mode for every per-key dispatch, so key lookups never
// serialize against each other, only against topology changes.
type Index struct {
	cfg      Config
	provider *filehandle.Provider
	deps     shard.Deps

	mu     sync.RWMutex
	shards map[uint32]*shard.Shard
	// retired marks cache segments whose shard was removed: they stand in
	// for the "empty" sentinel shard, completing any request addressed to
	// them as a no-op instead of erroring.
	retired map[uint32]struct{}
}

// New constructs an Index. Collaborators are dependency-injected, never
// global state; Manager defaults to the production AsyncManager if unset.
func New(cfg Config, deps shard.Deps) *Index {
	if deps.Manager == nil {
		deps.Manager = collab.AsyncManager{}
	}
	return &Index{
		cfg:      cfg,
		provider: filehandle.New(cfg.Dir, cfg.MaxOpenFiles),
		deps:     deps,
		shards:   make(map[uint32]*shard.Shard),
		retired:  make(map[uint32]struct{}),
	}
}

func (ix *Index) shardConfig() shard.Config {
	return shard.Config{
		MinNodeSize:   ix.cfg.MinNodeSize,
		MaxNodeSize:   ix.cfg.MaxNodeSize,
		MaxOpenFiles:  ix.cfg.MaxOpenFiles,
		CacheSegments: ix.cfg.CacheSegments,
	}
}

// concurrency bounds how many shards are touched at once by start/stop/
// clear/ensureRunOnLast: one worker per 16 shards, and always at least one.
func concurrency(n int) int {
	c := n / 16
	if c < 1 {
		c = 1
	}
	return c
}

// Start creates a shard for every configured cache segment, from 0 to
// CacheSegments-1. graceful reports whether every shard loaded cleanly; any
// non-graceful shard means the overall index must be treated as dirty.
func (ix *Index) Start(ctx context.Context) (graceful bool, err error) {
	ids := make([]uint32, ix.cfg.CacheSegments)
	for i := range ids {
		ids[i] = uint32(i)
	}
	return ix.AddSegments(ctx, ids)
}

// AddSegments installs a fresh shard and queue for every id in ids not
// already live; existing shards are untouched. Returns false if any newly
// installed shard was not loaded gracefully.
func (ix *Index) AddSegments(ctx context.Context, ids []uint32) (graceful bool, err error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	toOpen := make([]uint32, 0, len(ids))
	for _, id := range ids {
		delete(ix.retired, id)
		if _, ok := ix.shards[id]; !ok {
			toOpen = append(toOpen, id)
		}
	}
	if len(toOpen) == 0 {
		return true, nil
	}

	type opened struct {
		id       uint32
		s        *shard.Shard
		graceful bool
	}
	results := make([]opened, len(toOpen))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency(len(toOpen)))
	for i, id := range toOpen {
		i, id := i, id
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			s, wasGraceful, err := shard.Open(uint64(id), ix.provider, ix.shardConfig(), ix.deps)
			if err != nil {
				return fmt.Errorf("opening shard %d: %w", id, err)
			}
			results[i] = opened{id: id, s: s, graceful: wasGraceful}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	graceful = true
	for _, r := range results {
		ix.shards[r.id] = r.s
		if !r.graceful {
			log.Warnw("shard opened dirty", "shard", r.id)
			graceful = false
		}
	}
	return graceful, nil
}

// RemoveSegments swaps the named shards out under the global write lock,
// signals end-of-stream to their queues, waits for their appliers to
// drain, then deletes their backing files.
func (ix *Index) RemoveSegments(ctx context.Context, ids []uint32) error {
	ix.mu.Lock()
	toRemove := make([]*shard.Shard, 0, len(ids))
	for _, id := range ids {
		if s, ok := ix.shards[id]; ok {
			toRemove = append(toRemove, s)
			delete(ix.shards, id)
			ix.retired[id] = struct{}{}
		}
	}
	ix.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(concurrency(len(toRemove)))
	for _, s := range toRemove {
		s := s
		g.Go(func() error {
			s.CloseQueue()
			s.Wait()
			if err := s.Delete(ix.provider); err != nil {
				return fmt.Errorf("deleting shard %d: %w", s.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// HandleRequest enqueues req to the shard owning req.CacheSegment. A
// retired segment behaves as the "empty" sentinel shard: the request is
// completed as a no-op instead of erroring, since the segment's data now
// lives on another node and there is nothing local left to mutate.
func (ix *Index) HandleRequest(req *request.IndexRequest) error {
	ix.mu.RLock()
	s, ok := ix.shards[req.CacheSegment]
	_, wasRetired := ix.retired[req.CacheSegment]
	ix.mu.RUnlock()
	if !ok {
		if wasRetired {
			ix.deps.Manager.Complete(req.Future(), request.Result{})
			return nil
		}
		return fmt.Errorf("%w: no shard for cache segment %d", ErrNoSuchSegment, req.CacheSegment)
	}
	return s.Enqueue(req)
}

// Lookup answers a read-only query against the shard owning cacheSegment,
// bypassing the request queue entirely.
func (ix *Index) Lookup(cacheSegment uint32, key []byte, op node.Op, expired node.ExpiryFunc) (types.EntryLocation, bool, error) {
	ix.mu.RLock()
	s, ok := ix.shards[cacheSegment]
	ix.mu.RUnlock()
	if !ok {
		return types.EntryLocation{}, false, fmt.Errorf("%w: no shard for cache segment %d", ErrNoSuchSegment, cacheSegment)
	}
	return s.Lookup(key, op, expired)
}

// EnsureRunOnLast broadcasts a SYNC_REQUEST to every live shard; action
// runs exactly once, after the last shard's applier processes its
// SYNC_REQUEST. Used to schedule data-file deletion only once every
// shard's view has caught up.
func (ix *Index) EnsureRunOnLast(action func()) error {
	ix.mu.RLock()
	shards := make([]*shard.Shard, 0, len(ix.shards))
	for _, s := range ix.shards {
		shards = append(shards, s)
	}
	ix.mu.RUnlock()

	if len(shards) == 0 {
		action()
		return nil
	}

	remaining := new(atomic.Int64)
	remaining.Store(int64(len(shards)))
	var once sync.Once

	for _, s := range shards {
		s := s
		req := request.New(request.SyncRequest, 0, nil)
		req.Action = func() {
			if remaining.Add(-1) == 0 {
				once.Do(action)
			}
		}
		if err := s.Enqueue(req); err != nil {
			return err
		}
	}
	return nil
}

// MaxSeqID scans every shard's leaves for the highest persisted write
// sequence id, used after a graceful load to re-seed the sequence counter
// above anything already on disk.
func (ix *Index) MaxSeqID() (types.SeqID, error) {
	ix.mu.RLock()
	shards := make([]*shard.Shard, 0, len(ix.shards))
	for _, s := range ix.shards {
		shards = append(shards, s)
	}
	ix.mu.RUnlock()

	var max types.SeqID
	for _, s := range shards {
		m, err := s.MaxSeqID()
		if err != nil {
			return 0, fmt.Errorf("scanning shard %d for max seq id: %w", s.ID(), err)
		}
		if m > max {
			max = m
		}
	}
	return max, nil
}

// ScheduleDataFileDeletion arranges for data file id to be removed only
// once every shard's applier has caught up past the point of this call, so
// no in-flight request can still install a location inside it. remove
// performs the actual unlink and runs at most once; afterward the
// Compactor's statistics for id are discarded.
func (ix *Index) ScheduleDataFileDeletion(id types.FileID, remove func(types.FileID) error) error {
	return ix.EnsureRunOnLast(func() {
		if err := remove(id); err != nil {
			log.Errorw("deleting data file", "file", id, "err", err)
			return
		}
		if ix.deps.Compactor != nil {
			ix.deps.Compactor.ReleaseStats(id)
		}
	})
}

// ExpiryCheck builds the node.ExpiryFunc GET_RECORD lookups consult:
// deadlineFor reports an entry's expiration as unix milliseconds (ok=false
// for entries that never expire), compared against the injected
// TimeService. Returns nil, meaning "nothing ever expires", when no
// TimeService was injected.
func (ix *Index) ExpiryCheck(deadlineFor func(types.EntryLocation) (deadline int64, ok bool)) node.ExpiryFunc {
	if ix.deps.Clock == nil {
		return nil
	}
	return func(loc types.EntryLocation) bool {
		deadline, ok := deadlineFor(loc)
		if !ok {
			return false
		}
		return ix.deps.Clock.Now().UnixMilli() >= deadline
	}
}

// Clear broadcasts CLEAR to every shard and awaits completion, zeroing
// every per-segment counter.
func (ix *Index) Clear(ctx context.Context) error {
	ix.mu.Lock()
	shards := make([]*shard.Shard, 0, len(ix.shards))
	for _, s := range ix.shards {
		shards = append(shards, s)
	}
	ix.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(concurrency(len(shards)))
	for _, s := range shards {
		s := s
		g.Go(func() error {
			req := request.New(request.Clear, 0, nil)
			if err := s.Enqueue(req); err != nil {
				return err
			}
			res := req.Future().Wait()
			return res.Err
		})
	}
	return g.Wait()
}

// ApproximateSize sums the live-entry counters of the shards named in ids.
// A negative accumulation (only reachable if a collaborator bypasses the
// hook-mediated counters entirely) saturates to math.MaxUint64 rather than
// wrapping.
func (ix *Index) ApproximateSize(ids []uint32) uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var total int64
	for _, id := range ids {
		if s, ok := ix.shards[id]; ok {
			total += s.LiveEntries()
		}
	}
	if total < 0 {
		return math.MaxUint64
	}
	return uint64(total)
}

// Stop ends every shard's queue, awaits every applier, finalizes every
// shard (flipping its header to GRACEFULLY), then writes the sidecar
// index-count and index.stats files. Their absence at the next Load means
// "dirty — rebuild".
func (ix *Index) Stop(ctx context.Context) error {
	ix.mu.Lock()
	shards := make([]*shard.Shard, 0, len(ix.shards))
	for _, s := range ix.shards {
		shards = append(shards, s)
	}
	ix.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(concurrency(len(shards)))
	for _, s := range shards {
		s := s
		g.Go(func() error {
			s.CloseQueue()
			s.Wait()
			return s.Finalize()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	counts := make(map[uint32]uint64, len(shards))
	for _, s := range shards {
		counts[uint32(s.ID())] = uint64(s.LiveEntries())
	}
	if err := writeIndexCount(ix.cfg.Dir, ix.cfg.CacheSegments, counts); err != nil {
		return err
	}

	var stats map[types.FileID]collab.FileStats
	if ix.deps.Compactor != nil {
		stats = ix.deps.Compactor.FileStats()
	}
	return writeIndexStats(ix.cfg.Dir, stats)
}

// Load reports whether the sidecar files agree with the runtime
// configuration and every shard Start/AddSegments opened was itself loaded
// gracefully (startedGraceful, as returned by Start). Any mismatch means
// the whole index is dirty and must be rebuilt from data files; Load never
// mutates shard state — Start already made that call per-shard, this only
// decides whether to trust the result.
func (ix *Index) Load(startedGraceful bool) (bool, error) {
	if tt := ix.deps.TempTable; tt != nil && tt.SegmentMax() != ix.cfg.CacheSegments {
		return false, nil
	}

	counts, err := readIndexCount(ix.cfg.Dir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if uint32(len(counts)) != ix.cfg.CacheSegments {
		return false, nil
	}

	stats, err := readIndexStats(ix.cfg.Dir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !startedGraceful {
		return false, nil
	}

	if ix.deps.Compactor != nil {
		for id, st := range stats {
			if _, err := ix.deps.Compactor.AddFreeFile(id, st.TotalBytes, st.FreeBytes, st.NextExpirationTime, false); err != nil {
				return false, fmt.Errorf("replaying free-file stats for file %d: %w", id, err)
			}
		}
	}
	return true, nil
}

// ErrNoSuchSegment is returned when a request or lookup names a cache
// segment the Index has no live shard for.
var ErrNoSuchSegment = fmt.Errorf("shardhash: unknown cache segment")
