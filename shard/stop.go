package shard

import (
	"bytes"

	"github.com/rpcpool/shardhash/filehandle"
)

// CloseQueue closes the shard's request channel, the end-of-stream signal
// for its applier goroutine. Any request already enqueued is still
// processed; anything submitted after this returns is rejected by
// Enqueue.
func (s *Shard) CloseQueue() {
	close(s.queue)
}

// Wait blocks until the applier goroutine has drained the queue and
// exited. Once it returns, root/catalog/indexFileSize are no longer
// concurrently mutated by anything, so the caller may safely call
// Finalize.
func (s *Shard) Wait() {
	<-s.done
}

// Finalize persists the shard's free-block catalog after the live tree,
// rewrites the header with the shard's final root/element-count, and
// flips the magic to GRACEFULLY — the signal the next Open uses to trust
// this file instead of rebuilding. Must only be called after Wait.
func (s *Shard) Finalize() error {
	root := s.pinRoot()
	freeBlocksOffset := s.indexFileSize

	if err := s.handle.Truncate(int64(freeBlocksOffset)); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := s.catalog.Save(&buf); err != nil {
		return err
	}
	if buf.Len() > 0 {
		if err := s.handle.Write(buf.Bytes(), int64(freeBlocksOffset)); err != nil {
			return err
		}
	}

	hdr := header{
		magic:            magicGracefully,
		segmentCount:     s.cfg.CacheSegments,
		rootOffset:       uint64(root.Offset),
		rootLen:          uint16(root.Length),
		freeBlocksOffset: freeBlocksOffset,
		elementCount:     uint64(s.liveEntries.Load()),
	}
	if err := writeHeader(s.handle, hdr); err != nil {
		return err
	}
	return s.handle.Force(true)
}

// Delete releases the shard's handle and removes its backing file, used
// when a cache segment is retired.
func (s *Shard) Delete(provider *filehandle.Provider) error {
	if err := provider.Close(s.handle); err != nil {
		return err
	}
	return provider.Delete(s.id)
}
