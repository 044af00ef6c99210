package shardhash

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rpcpool/shardhash/collab"
	"github.com/rpcpool/shardhash/types"
)

const (
	countFileName = "index-count"
	statsFileName = "index.stats"

	statsRecordSize = 20 // fileId:i32 | totalBytes:i32 | freeBytes:i32 | nextExpirationTime:i64
)

// writeIndexCount persists the index-count sidecar: segmentCount followed
// by one big-endian uint64 live-entry counter per segment id, in id order.
// Its absence at the next Load means dirty.
func writeIndexCount(dir string, segmentCount uint32, counts map[uint32]uint64) error {
	f, err := os.Create(filepath.Join(dir, countFileName))
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], segmentCount)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for id := uint32(0); id < segmentCount; id++ {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], counts[id])
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// readIndexCount loads the index-count sidecar, keyed by segment id.
func readIndexCount(dir string) (map[uint32]uint64, error) {
	f, err := os.Open(filepath.Join(dir, countFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading index-count header: %w", err)
	}
	segmentCount := binary.BigEndian.Uint32(hdr[:])

	counts := make(map[uint32]uint64, segmentCount)
	for id := uint32(0); id < segmentCount; id++ {
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, fmt.Errorf("reading index-count entry %d: %w", id, err)
		}
		counts[id] = binary.BigEndian.Uint64(buf[:])
	}
	return counts, nil
}

// writeIndexStats persists the index.stats sidecar: one 20-byte record per
// tracked data file (fileId:i32 | totalBytes:i32 | freeBytes:i32 |
// nextExpirationTime:i64), reconstructing Compactor state on the next load.
func writeIndexStats(dir string, stats map[types.FileID]collab.FileStats) error {
	f, err := os.Create(filepath.Join(dir, statsFileName))
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	var buf [statsRecordSize]byte
	for id, st := range stats {
		binary.BigEndian.PutUint32(buf[0:4], uint32(int32(id)))
		binary.BigEndian.PutUint32(buf[4:8], uint32(int32(st.TotalBytes)))
		binary.BigEndian.PutUint32(buf[8:12], uint32(int32(st.FreeBytes)))
		binary.BigEndian.PutUint64(buf[12:20], uint64(st.NextExpirationTime))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// readIndexStats loads the index.stats sidecar, keyed by file id.
func readIndexStats(dir string) (map[types.FileID]collab.FileStats, error) {
	f, err := os.Open(filepath.Join(dir, statsFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	stats := make(map[types.FileID]collab.FileStats)
	var buf [statsRecordSize]byte
	for {
		_, err := io.ReadFull(r, buf[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading index.stats record: %w", err)
		}
		id := types.FileID(int32(binary.BigEndian.Uint32(buf[0:4])))
		stats[id] = collab.FileStats{
			TotalBytes:         int64(int32(binary.BigEndian.Uint32(buf[4:8]))),
			FreeBytes:          int64(int32(binary.BigEndian.Uint32(buf[8:12]))),
			NextExpirationTime: int64(binary.BigEndian.Uint64(buf[12:20])),
		}
	}
	return stats, nil
}
