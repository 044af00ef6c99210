// Package filehandle provides a bounded cache of open file handles over a
// directory of numbered files. It is the on-disk I/O boundary every other
// package in this module goes through: shards read and write their index
// file through it, and readers materialize nodes on demand through it.
package filehandle

import (
	"container/list"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rpcpool/shardhash/types"
)

// Handle is a single numbered file, reference counted by the Provider that
// issued it. Handles are safe for concurrent use by multiple goroutines:
// all operations are positioned (ReadAt/WriteAt/Truncate), so there is no
// shared file cursor to race on.
type Handle struct {
	id   uint64
	file *os.File

	// Both guarded by the issuing Provider's mu. A handle leaves the cache
	// (evicted or deleted) at most once; the underlying file closes as soon
	// as it has left the cache and the last reference is released, in
	// either order.
	refs    int
	evicted bool
}

// ID returns the numeric file id this handle was opened for.
func (h *Handle) ID() uint64 { return h.id }

// Read fills buf entirely starting at offset. If the file is shorter than
// offset+len(buf), it returns an error wrapping types.ErrNotFullyRead (the
// underlying io.ErrUnexpectedEOF/io.EOF appears only in its message) so
// load code can detect truncation.
func (h *Handle) Read(buf []byte, offset int64) error {
	_, err := h.file.ReadAt(buf, offset)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("%w: %v", types.ErrNotFullyRead, err)
		}
		return err
	}
	return nil
}

// Write drains buf to the file starting at offset, looping until every byte
// is written or an error occurs.
func (h *Handle) Write(buf []byte, offset int64) error {
	for len(buf) > 0 {
		n, err := h.file.WriteAt(buf, offset)
		if err != nil {
			return err
		}
		buf = buf[n:]
		offset += int64(n)
	}
	return nil
}

// Truncate resizes the file to exactly size bytes.
func (h *Handle) Truncate(size int64) error {
	return h.file.Truncate(size)
}

// Force flushes the file's in-kernel buffers to stable storage. When
// metadata is true, file metadata (size, mtime) is guaranteed durable too;
// otherwise only data is guaranteed (Go's os.File.Sync always does both, so
// this flag only documents caller intent).
func (h *Handle) Force(metadata bool) error {
	_ = metadata
	return h.file.Sync()
}

// Size returns the current size of the file in bytes.
func (h *Handle) Size() (int64, error) {
	fi, err := h.file.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Provider is a bounded, LRU-evicting pool of open file handles over
// numbered files inside a single directory. At most maxOpenFiles handles
// are kept resident; when that cap is exceeded the least recently used
// handle leaves the cache, whether or not it is still referenced, and its
// file closes once no reference remains. Provider is safe for concurrent
// use.
type Provider struct {
	dir          string
	maxOpenFiles int

	mu    sync.Mutex
	cache map[uint64]*list.Element
	lru   *list.List
}

// New returns a Provider rooted at dir, which must already exist. A
// maxOpenFiles of 0 means unlimited.
func New(dir string, maxOpenFiles int) *Provider {
	if maxOpenFiles < 0 {
		maxOpenFiles = 0
	}
	return &Provider{
		dir:          dir,
		maxOpenFiles: maxOpenFiles,
		cache:        make(map[uint64]*list.Element),
		lru:          list.New(),
	}
}

func (p *Provider) path(id uint64) string {
	return filepath.Join(p.dir, strconv.FormatUint(id, 10))
}

// Open returns the handle for id, opening (and creating, if absent) the
// backing file if it is not already cached. Every successful Open must be
// matched by a Close, or reference counts drift and handles leak.
func (p *Provider) Open(id uint64) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if elem, ok := p.cache[id]; ok {
		p.lru.MoveToFront(elem)
		h := elem.Value.(*Handle)
		h.refs++
		return h, nil
	}

	f, err := os.OpenFile(p.path(id), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	h := &Handle{id: id, file: f, refs: 1}
	p.cache[id] = p.lru.PushFront(h)

	if p.maxOpenFiles != 0 && p.lru.Len() > p.maxOpenFiles {
		p.evictOldest()
	}
	return h, nil
}

// OpenIfAlreadyOpen returns the cached handle for id without opening the
// file, and false if id is not currently resident in the cache.
func (p *Provider) OpenIfAlreadyOpen(id uint64) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	elem, ok := p.cache[id]
	if !ok {
		return nil, false
	}
	p.lru.MoveToFront(elem)
	h := elem.Value.(*Handle)
	h.refs++
	return h, true
}

// Close releases a reference obtained from Open or OpenIfAlreadyOpen. The
// underlying file closes once the last reference is gone and the handle
// has left the cache, whichever happens second. Releasing a handle more
// times than it was opened returns os.ErrClosed.
func (p *Provider) Close(h *Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.refs == 0 {
		return os.ErrClosed
	}
	h.refs--
	if h.refs == 0 && h.evicted {
		return h.file.Close()
	}
	return nil
}

func (p *Provider) evictOldest() {
	elem := p.lru.Back()
	if elem != nil {
		p.removeElement(elem)
	}
}

// removeElement takes a handle out of the cache. A still-referenced handle
// stays usable until its holders release it; an idle one closes here.
func (p *Provider) removeElement(elem *list.Element) {
	p.lru.Remove(elem)
	h := elem.Value.(*Handle)
	delete(p.cache, h.id)
	h.evicted = true
	if h.refs == 0 {
		h.file.Close()
	}
}

// Size returns the size in bytes of file id without needing an open Handle.
func (p *Provider) Size(id uint64) (int64, error) {
	fi, err := os.Stat(p.path(id))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Delete removes id's cached handle, closing it once unreferenced, and
// deletes the backing file.
func (p *Provider) Delete(id uint64) error {
	p.mu.Lock()
	if elem, ok := p.cache[id]; ok {
		p.removeElement(elem)
	}
	p.mu.Unlock()
	err := os.Remove(p.path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Len returns the number of handles currently resident in the cache.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Len()
}
