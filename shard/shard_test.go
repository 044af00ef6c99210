package shard_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/shardhash/collab"
	"github.com/rpcpool/shardhash/filehandle"
	"github.com/rpcpool/shardhash/node"
	"github.com/rpcpool/shardhash/request"
	"github.com/rpcpool/shardhash/shard"
	"github.com/rpcpool/shardhash/types"
)

func testConfig(segments uint32) shard.Config {
	return shard.Config{MinNodeSize: 64, MaxNodeSize: 1024, MaxOpenFiles: 8, CacheSegments: segments}
}

func openShard(t *testing.T, dir string, id uint64, segments uint32) *shard.Shard {
	t.Helper()
	provider := filehandle.New(dir, 8)
	s, _, err := shard.Open(id, provider, testConfig(segments), shard.Deps{Manager: collab.InlineManager{}})
	require.NoError(t, err)
	return s
}

func enqueue(t *testing.T, s *shard.Shard, req *request.IndexRequest) request.Result {
	t.Helper()
	require.NoError(t, s.Enqueue(req))
	return req.Future().Wait()
}

func update(t *testing.T, s *shard.Shard, key []byte, file types.FileID, offset int64, seq types.SeqID) request.Result {
	t.Helper()
	req := request.New(request.Update, 0, key)
	req.New = types.EntryLocation{File: file, Offset: offset, SeqID: seq}
	return enqueue(t, s, req)
}

// The first UPDATE for a key reports overwritten=false and the key becomes
// visible at its installed location, with the segment counter at 1.
func TestFirstUpdateInsertsAndCounts(t *testing.T) {
	s := openShard(t, t.TempDir(), 0, 2)

	res := update(t, s, []byte{0x01}, 10, 0, 1)
	require.False(t, res.Overwritten)
	require.Equal(t, int64(1), s.LiveEntries())

	loc, found, err := s.Lookup([]byte{0x01}, node.GetPosition, nil)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.FileID(10), loc.File)
	require.Equal(t, int64(0), loc.Offset)
}

// A MOVED whose prev no longer matches the leaf's current entry must be a
// complete no-op, counter included.
func TestMovedGuardRejectsStalePrev(t *testing.T) {
	s := openShard(t, t.TempDir(), 0, 2)
	update(t, s, []byte{0x01}, 10, 0, 1)
	update(t, s, []byte{0x01}, 10, 200, 2)

	moved := request.New(request.Moved, 0, []byte{0x01})
	moved.Prev = request.PrevLocation{File: 10, Offset: 0}
	moved.New = types.EntryLocation{File: 11, Offset: 0, SeqID: 3}
	res := enqueue(t, s, moved)
	require.False(t, res.Overwritten)

	loc, found, err := s.Lookup([]byte{0x01}, node.GetPosition, nil)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(200), loc.Offset)
	require.Equal(t, int64(1), s.LiveEntries(), "a rejected MOVED must not touch the size counter")
}

// A MOVED whose prev DOES match is applied.
func TestMovedAppliesWhenPrevMatches(t *testing.T) {
	s := openShard(t, t.TempDir(), 0, 2)
	update(t, s, []byte{0x01}, 10, 0, 1)

	moved := request.New(request.Moved, 0, []byte{0x01})
	moved.Prev = request.PrevLocation{File: 10, Offset: 0}
	moved.New = types.EntryLocation{File: 20, Offset: 500, SeqID: 2}
	res := enqueue(t, s, moved)
	require.True(t, res.Overwritten)

	loc, found, err := s.Lookup([]byte{0x01}, node.GetPosition, nil)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.FileID(20), loc.File)
	require.Equal(t, int64(500), loc.Offset)
}

// DROPPED tombstones the key: the default lookup sees nothing, the
// expired-record lookup still does, and the counter returns to zero.
func TestDroppedTombstonesKey(t *testing.T) {
	s := openShard(t, t.TempDir(), 0, 2)
	update(t, s, []byte{0x01}, 10, 200, 1)

	dropped := request.New(request.Dropped, 0, []byte{0x01})
	dropped.Prev = request.PrevLocation{File: 10, Offset: 200}
	dropped.New = types.TombstoneLocation(0, 2)
	enqueue(t, s, dropped)

	_, found, err := s.Lookup([]byte{0x01}, node.GetPosition, nil)
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, int64(0), s.LiveEntries())

	loc, found, err := s.Lookup([]byte{0x01}, node.GetExpiredRecord, nil)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, loc.Tombstone())
}

// CLEAR resets a populated shard to a freshly-initialized one: the file
// shrinks back to just the header, the root is the empty leaf, and the
// free-block catalog is empty.
func TestClearResetsShard(t *testing.T) {
	dir := t.TempDir()
	s := openShard(t, dir, 0, 1)
	for i := 0; i < 1000; i++ {
		key := []byte(fmt.Sprintf("k-%04d", i))
		update(t, s, key, types.FileID(i), int64(i), types.SeqID(i+1))
	}
	require.Equal(t, int64(1000), s.LiveEntries())

	clearReq := request.New(request.Clear, 0, nil)
	enqueue(t, s, clearReq)

	require.Equal(t, int64(0), s.LiveEntries())
	fi, err := os.Stat(filepath.Join(dir, "0"))
	require.NoError(t, err)
	require.Equal(t, int64(shard.HeaderSize), fi.Size())
	require.Zero(t, s.FreeBytes())

	_, found, err := s.Lookup([]byte("k-0000"), node.GetPosition, nil)
	require.NoError(t, err)
	require.False(t, found)

	res := update(t, s, []byte("fresh"), 1, 2, 1)
	require.False(t, res.Overwritten)
	loc, found, err := s.Lookup([]byte("fresh"), node.GetPosition, nil)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(2), loc.Offset)
}

// The live-entry counter tracks exactly the non-tombstoned keys after a
// mixed sequence of UPDATE/DROPPED/MOVED quiesces.
func TestSizeCounterMatchesLiveLeafEntries(t *testing.T) {
	s := openShard(t, t.TempDir(), 0, 1)

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("k-%04d", i))
		update(t, s, key, types.FileID(i), int64(i), types.SeqID(i+1))
	}
	require.Equal(t, int64(50), s.LiveEntries())

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("k-%04d", i))
		d := request.New(request.Dropped, 0, key)
		d.Prev = request.PrevLocation{File: types.FileID(i), Offset: int64(i)}
		d.New = types.TombstoneLocation(0, types.SeqID(100+i))
		enqueue(t, s, d)
	}
	require.Equal(t, int64(30), s.LiveEntries())

	var live int
	require.NoError(t, s.Publish(false, func(node.LiveEntry) error { live++; return nil }))
	require.Equal(t, 30, live)
}

// Once the applier quiesces, every byte of the index file is accounted
// for: header + live node slots + free-block catalog, nothing leaked.
func TestFreeSpaceAccounting(t *testing.T) {
	s := openShard(t, t.TempDir(), 0, 1)

	for i := 0; i < 300; i++ {
		key := []byte(fmt.Sprintf("k-%04d", i))
		update(t, s, key, types.FileID(i), int64(i), types.SeqID(i+1))
	}
	for i := 0; i < 150; i += 2 {
		key := []byte(fmt.Sprintf("k-%04d", i))
		d := request.New(request.Dropped, 0, key)
		d.Prev = request.PrevLocation{File: types.FileID(i), Offset: int64(i)}
		d.New = types.TombstoneLocation(0, types.SeqID(1000+i))
		enqueue(t, s, d)
	}

	s.CloseQueue()
	s.Wait()

	var liveBytes uint64
	require.NoError(t, node.WalkSpaces(s, s.Root(), func(sp types.IndexSpace) error {
		liveBytes += uint64(sp.Length)
		return nil
	}))
	require.Equal(t, s.FileSize(), uint64(shard.HeaderSize)+liveBytes+s.FreeBytes())
}

// Stop, finalize, and reload must restore every entry and report a
// graceful load; a missing Finalize must report dirty.
func TestGracefulRestartRestoresEveryEntry(t *testing.T) {
	dir := t.TempDir()
	s := openShard(t, dir, 0, 2)

	const n = 500
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		update(t, s, key, types.FileID(i), int64(i*7), types.SeqID(i+1))
	}

	s.CloseQueue()
	s.Wait()
	require.NoError(t, s.Finalize())

	provider := filehandle.New(dir, 8)
	reopened, graceful, err := shard.Open(0, provider, testConfig(2), shard.Deps{Manager: collab.InlineManager{}})
	require.NoError(t, err)
	require.True(t, graceful)
	require.Equal(t, int64(n), reopened.LiveEntries())

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		loc, found, err := reopened.Lookup(key, node.GetPosition, nil)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, types.FileID(i), loc.File)
		require.Equal(t, int64(i*7), loc.Offset)
	}
}

func TestUngracefulRestartLoadsDirty(t *testing.T) {
	dir := t.TempDir()
	s := openShard(t, dir, 0, 2)
	update(t, s, []byte("a"), 1, 1, 1)
	// No CloseQueue/Finalize: simulates a crash before graceful stop. The
	// header on disk was flipped to DIRTY at Open and never flipped back.

	provider := filehandle.New(dir, 8)
	_, graceful, err := shard.Open(0, provider, testConfig(2), shard.Deps{Manager: collab.InlineManager{}})
	require.NoError(t, err)
	require.False(t, graceful)
}

func TestSegmentCountMismatchLoadsDirty(t *testing.T) {
	dir := t.TempDir()
	s := openShard(t, dir, 0, 2)
	update(t, s, []byte("a"), 1, 1, 1)
	s.CloseQueue()
	s.Wait()
	require.NoError(t, s.Finalize())

	provider := filehandle.New(dir, 8)
	reopened, graceful, err := shard.Open(0, provider, testConfig(3), shard.Deps{Manager: collab.InlineManager{}})
	require.NoError(t, err)
	require.False(t, graceful, "a changed cache-segment count must force a dirty reload")
	require.Equal(t, int64(0), reopened.LiveEntries())
}

// Many goroutines feeding one shard's queue, with readers traversing at
// the same time: the single applier must serialize every mutation, so the
// final tree and counter are exactly what serial application would
// produce. Run under -race; the producers, the readers, and the applier
// all touch the shard's published root and counters concurrently.
func TestConcurrentProducersSingleApplier(t *testing.T) {
	s := openShard(t, t.TempDir(), 0, 1)

	const (
		producers   = 8
		perProducer = 200
	)

	var wg sync.WaitGroup
	for pid := 0; pid < producers; pid++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				key := []byte(fmt.Sprintf("p%d-k%04d", pid, i))
				req := request.New(request.Update, 0, key)
				req.New = types.EntryLocation{
					File:   types.FileID(pid),
					Offset: int64(i),
					SeqID:  types.SeqID(pid*perProducer + i + 1),
				}
				if err := s.Enqueue(req); err != nil {
					t.Error(err)
					return
				}
				if res := req.Future().Wait(); res.Err != nil {
					t.Error(res.Err)
					return
				}
			}
		}(pid)
	}

	// Readers race the applier on the published root. A reader pinned to a
	// root that the applier has already superseded may see its nodes
	// recycled mid-traversal, so only the synchronization is under test
	// here, not individual lookup results.
	var readers sync.WaitGroup
	for r := 0; r < 2; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 500; i++ {
				key := []byte(fmt.Sprintf("p0-k%04d", i%perProducer))
				_, _, _ = s.Lookup(key, node.GetPosition, nil)
			}
		}()
	}

	wg.Wait()
	readers.Wait()

	require.Equal(t, int64(producers*perProducer), s.LiveEntries())
	for pid := 0; pid < producers; pid++ {
		for i := 0; i < perProducer; i += 17 {
			key := []byte(fmt.Sprintf("p%d-k%04d", pid, i))
			loc, found, err := s.Lookup(key, node.GetPosition, nil)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, types.FileID(pid), loc.File)
			require.Equal(t, int64(i), loc.Offset)
		}
	}
}

// The applier never processes two requests for the same shard
// concurrently — enqueue a burst and confirm the final state is exactly
// what serialized application would produce.
func TestApplierSerializesMutations(t *testing.T) {
	s := openShard(t, t.TempDir(), 0, 1)

	const n = 300
	results := make([]request.Result, n)
	for i := 0; i < n; i++ {
		results[i] = update(t, s, []byte("same-key"), types.FileID(i), int64(i), types.SeqID(i+1))
	}
	for i := 1; i < n; i++ {
		require.True(t, results[i].Overwritten)
	}
	require.Equal(t, int64(1), s.LiveEntries(), "repeated updates to one key must never double-count")

	loc, found, err := s.Lookup([]byte("same-key"), node.GetPosition, nil)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.FileID(n-1), loc.File)
}

func TestFoundOldHasNoCounterSideEffect(t *testing.T) {
	s := openShard(t, t.TempDir(), 0, 1)

	req := request.New(request.FoundOld, 0, []byte("replayed"))
	req.New = types.EntryLocation{File: 5, Offset: 5, SeqID: 1}
	enqueue(t, s, req)

	require.Equal(t, int64(0), s.LiveEntries(), "FOUND_OLD has no hook side effect on the size counter")
	loc, found, err := s.Lookup([]byte("replayed"), node.GetPosition, nil)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.FileID(5), loc.File)
}
