// Package shard implements the single-writer, many-reader index shard:
// one index file, one root pointer, one free-block catalog, drained by a
// single applier goroutine reading from a bounded channel. Readers pin the
// published root under a brief read-lock and then traverse the immutable
// node tree without further coordination.
package shard

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	logging "github.com/ipfs/go-log/v2"

	"github.com/rpcpool/shardhash/collab"
	"github.com/rpcpool/shardhash/filehandle"
	"github.com/rpcpool/shardhash/freelist"
	"github.com/rpcpool/shardhash/metrics"
	"github.com/rpcpool/shardhash/node"
	"github.com/rpcpool/shardhash/request"
	"github.com/rpcpool/shardhash/types"
)

var log = logging.Logger("shardhash/shard")

// Config bounds a shard's node sizes and its file handle budget.
type Config struct {
	MinNodeSize   types.Length
	MaxNodeSize   types.Length
	MaxOpenFiles  int
	CacheSegments uint32 // the runtime segment count, validated against the header on load
}

// Deps bundles the collaborators a shard calls out to. They are injected
// through the Index constructor; nothing here is global state.
type Deps struct {
	Compactor collab.Compactor
	TempTable collab.TemporaryTable
	Clock     collab.TimeService
	Manager   collab.NonBlockingManager
}

// Shard owns one index file, its B+tree root, and its free-block catalog.
// Exactly one applier goroutine is permitted to mutate root/catalog/
// indexFileSize; everything else may call Lookup concurrently.
type Shard struct {
	id     uint64
	idStr  string
	cfg    Config
	handle *filehandle.Handle
	deps   Deps

	mu   sync.RWMutex
	root types.IndexSpace

	// Applier-private; touched only from the goroutine draining queue.
	catalog       *freelist.Catalog
	indexFileSize uint64

	liveEntries atomic.Int64
	degraded    atomic.Bool

	queue chan *request.IndexRequest
	done  chan struct{}
}

// Open loads or initializes the shard backed by file id inside provider's
// directory. wasGraceful reports whether the file was found clean
// (GRACEFULLY-magic, matching segment count): false means the shard was
// reset to empty, and the caller's overall load() must report dirty.
func Open(id uint64, provider *filehandle.Provider, cfg Config, deps Deps) (s *Shard, wasGraceful bool, err error) {
	h, err := provider.Open(id)
	if err != nil {
		return nil, false, fmt.Errorf("opening shard %d: %w", id, err)
	}

	s = &Shard{
		id:      id,
		idStr:   strconv.FormatUint(id, 10),
		cfg:     cfg,
		handle:  h,
		deps:    deps,
		catalog: freelist.New(),
		queue:   make(chan *request.IndexRequest, 256),
		done:    make(chan struct{}),
	}

	size, err := h.Size()
	if err != nil {
		return nil, false, err
	}

	// A zero-byte file is a brand-new shard: nothing pre-existing was
	// discarded, so the creation itself is clean. Anything shorter than a
	// full header, by contrast, is a truncated leftover and counts dirty.
	if size == 0 {
		if err := s.initEmpty(); err != nil {
			return nil, false, err
		}
		go s.run()
		return s, true, nil
	}
	if size < HeaderSize {
		log.Warnw("shard file shorter than header, treated as dirty", "shard", id, "size", size)
		if err := s.initEmpty(); err != nil {
			return nil, false, err
		}
		go s.run()
		return s, false, nil
	}

	hdr, err := readHeader(h)
	if err == nil && hdr.magic == magicGracefully && hdr.segmentCount != cfg.CacheSegments {
		err = types.ErrIndexWrongSegmentCount{Stored: hdr.segmentCount, Configured: cfg.CacheSegments}
	}
	if err != nil || hdr.magic != magicGracefully {
		log.Warnw("shard load treated as dirty", "shard", id, "err", err)
		if err := h.Truncate(0); err != nil {
			return nil, false, err
		}
		if err := s.initEmpty(); err != nil {
			return nil, false, err
		}
		go s.run()
		return s, false, nil
	}

	s.root = types.IndexSpace{Offset: types.Position(hdr.rootOffset), Length: types.Length(hdr.rootLen)}
	s.indexFileSize = hdr.freeBlocksOffset
	s.liveEntries.Store(int64(hdr.elementCount))

	if err := s.loadFreeBlocks(hdr.freeBlocksOffset, size); err != nil {
		return nil, false, err
	}

	if err := writeMagic(h, magicDirty); err != nil {
		return nil, false, err
	}

	go s.run()
	metrics.LiveEntries.WithLabelValues(s.idStr).Set(float64(s.liveEntries.Load()))
	metrics.FreeBytes.WithLabelValues(s.idStr).Set(float64(s.catalog.TotalBytes()))
	metrics.IndexFileSize.WithLabelValues(s.idStr).Set(float64(s.indexFileSize))
	log.Infow("shard loaded gracefully",
		"shard", id,
		"elements", hdr.elementCount,
		"size", humanize.Bytes(uint64(size)),
		"free", humanize.Bytes(s.catalog.TotalBytes()))
	return s, true, nil
}

func (s *Shard) loadFreeBlocks(from uint64, fileSize int64) error {
	r, err := readTail(s.handle, int64(from), fileSize)
	if err != nil {
		return err
	}
	return s.catalog.Load(r)
}

// initEmpty resets the shard to a freshly created, empty state: a header
// marked DIRTY, the zero-length root slot standing in for an empty leaf,
// and no free blocks. The file is exactly HeaderSize bytes afterward.
// Called both for brand new files and for files found dirty at load.
func (s *Shard) initEmpty() error {
	s.catalog = freelist.New()
	s.indexFileSize = HeaderSize
	s.liveEntries.Store(0)

	if err := s.handle.Truncate(HeaderSize); err != nil {
		return err
	}
	if err := writeHeader(s.handle, header{magic: magicDirty, segmentCount: s.cfg.CacheSegments}); err != nil {
		return err
	}

	s.root = types.IndexSpace{}
	return nil
}

// ID returns the shard's numeric identifier.
func (s *Shard) ID() uint64 { return s.id }

// LiveEntries returns the shard's current per-segment live-entry counter:
// at quiescence, the number of leaf entries that are not tombstones.
func (s *Shard) LiveEntries() int64 { return s.liveEntries.Load() }

// Degraded reports whether the shard's write path has failed and stopped
// accepting mutations.
func (s *Shard) Degraded() bool { return s.degraded.Load() }

// Enqueue submits req to the shard's single-consumer queue. It returns
// ErrShardClosed if the shard has already been stopped.
func (s *Shard) Enqueue(req *request.IndexRequest) (err error) {
	// A send on the queue closed by CloseQueue panics; report it as closed.
	defer func() {
		if recover() != nil {
			err = types.ErrShardClosed
		}
	}()
	select {
	case s.queue <- req:
		return nil
	case <-s.done:
		return types.ErrShardClosed
	}
}

// pinRoot takes a brief read-lock to snapshot the published root, then
// releases it: callers then traverse the immutable node tree lock-free.
func (s *Shard) pinRoot() types.IndexSpace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

func (s *Shard) publishRoot(space types.IndexSpace) {
	s.mu.Lock()
	s.root = space
	s.mu.Unlock()
}

// ---- node.Writer / node.Reader ---------------------------------------

// ReadNode implements node.Reader by reading space's bytes from the shard's
// file and decoding them. The zero-length slot is the canonical empty tree
// and never touches the file.
func (s *Shard) ReadNode(space types.IndexSpace) (*node.Node, error) {
	if space.Empty() {
		return node.NewEmptyLeaf(), nil
	}
	buf := make([]byte, space.Length)
	if err := s.handle.Read(buf, int64(space.Offset)); err != nil {
		return nil, err
	}
	return node.Decode(buf)
}

// WriteNode implements node.Writer: it encodes n, allocates a slot for it
// (reusing a free one where the catalog's anti-fragmentation guard allows,
// otherwise appending at the index file's high-water mark), and writes it.
func (s *Shard) WriteNode(n *node.Node) (types.IndexSpace, error) {
	buf, err := node.Encode(n)
	if err != nil {
		return types.IndexSpace{}, err
	}
	if len(buf) > 0xFFFF {
		return types.IndexSpace{}, fmt.Errorf("%w: encoded node is %d bytes", types.ErrIllegalState, len(buf))
	}
	length := types.Length(len(buf))

	slot, reused := s.catalog.Allocate(length)
	if !reused {
		slot = types.IndexSpace{Offset: types.Position(s.indexFileSize), Length: length}
		s.indexFileSize += uint64(length)
	}
	if err := s.handle.Write(buf, int64(slot.Offset)); err != nil {
		return types.IndexSpace{}, err
	}
	return slot, nil
}

// FreeSlot implements node.Writer: a slot at the index file's tail shrinks
// and truncates the file; any other slot goes back to the catalog for
// reuse.
func (s *Shard) FreeSlot(space types.IndexSpace) {
	if space.Empty() {
		return
	}
	if uint64(space.Offset)+uint64(space.Length) == s.indexFileSize {
		s.indexFileSize -= uint64(space.Length)
		if err := s.handle.Truncate(int64(s.indexFileSize)); err != nil {
			log.Errorw("truncating index file after tail free", "shard", s.id, "err", err)
			s.degraded.Store(true)
		}
		return
	}
	s.catalog.Free(space)
}

// Bounds implements node.Writer.
func (s *Shard) Bounds() (min, max types.Length) {
	return s.cfg.MinNodeSize, s.cfg.MaxNodeSize
}

// Root returns the currently published root slot.
func (s *Shard) Root() types.IndexSpace { return s.pinRoot() }

// FileSize returns the index file's high-water mark. Only stable once the
// applier has quiesced (after Wait); the applier alone mutates it.
func (s *Shard) FileSize() uint64 { return s.indexFileSize }

// FreeBytes reports the bytes tracked in the free-block catalog. Same
// quiescence caveat as FileSize.
func (s *Shard) FreeBytes() uint64 { return s.catalog.TotalBytes() }
