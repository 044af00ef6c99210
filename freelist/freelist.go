// Package freelist implements the free-space catalog for a shard's index
// file: a length-keyed multimap of reusable (offset, length) slots, plus
// its on-disk persistence format. It is private, single-writer state: only
// the shard applier that owns it may call Allocate/Free; readers never
// touch the catalog.
package freelist

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/rpcpool/shardhash/types"
)

// Catalog is an in-memory, length-keyed multimap of free IndexSpace slots.
// Not safe for concurrent use; callers (a shard's single applier) must
// serialize access themselves.
type Catalog struct {
	byLength map[types.Length][]types.IndexSpace
	// sortedLengths is kept in ascending order so Allocate's "smallest key
	// >= L" lookup is a binary search instead of a scan over the map.
	sortedLengths []types.Length
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{byLength: make(map[types.Length][]types.IndexSpace)}
}

// Allocate looks for a free slot of length >= requested whose length does
// not exceed requested*1.25, the anti-fragmentation guard keeping small
// nodes out of oversized holes. reused is false when no suitable slot
// exists; the caller must then append a fresh slot at the index file's
// current high-water mark itself, since the catalog has no notion of file
// size.
func (c *Catalog) Allocate(requested types.Length) (slot types.IndexSpace, reused bool) {
	if requested == 0 {
		return types.IndexSpace{}, false
	}
	i := sort.Search(len(c.sortedLengths), func(i int) bool {
		return c.sortedLengths[i] >= requested
	})
	if i == len(c.sortedLengths) {
		return types.IndexSpace{}, false
	}
	k := c.sortedLengths[i]
	// Anti-fragmentation guard: only reuse if k <= requested * 1.25.
	if uint64(k) > uint64(requested)+uint64(requested)/4 {
		return types.IndexSpace{}, false
	}

	list := c.byLength[k]
	slot = list[len(list)-1]
	list = list[:len(list)-1]
	if len(list) == 0 {
		delete(c.byLength, k)
		c.sortedLengths = append(c.sortedLengths[:i], c.sortedLengths[i+1:]...)
	} else {
		c.byLength[k] = list
	}
	return slot, true
}

// Free returns slot to the catalog for future reuse. The bytes at slot are
// never touched: callers always overwrite a slot's contents before
// publishing a node there, so zeroing here would be wasted work.
func (c *Catalog) Free(slot types.IndexSpace) {
	if slot.Length == 0 {
		return
	}
	k := slot.Length
	if _, ok := c.byLength[k]; !ok {
		i := sort.Search(len(c.sortedLengths), func(i int) bool { return c.sortedLengths[i] >= k })
		c.sortedLengths = append(c.sortedLengths, 0)
		copy(c.sortedLengths[i+1:], c.sortedLengths[i:])
		c.sortedLengths[i] = k
	}
	c.byLength[k] = append(c.byLength[k], slot)
}

// Len returns the total number of free slots tracked, across all lengths.
func (c *Catalog) Len() int {
	n := 0
	for _, l := range c.byLength {
		n += len(l)
	}
	return n
}

// TotalBytes returns the sum of length*count across every tracked slot,
// used by free-space accounting and for reporting free bytes to the
// Compactor collaborator.
func (c *Catalog) TotalBytes() uint64 {
	var total uint64
	for length, list := range c.byLength {
		total += uint64(length) * uint64(len(list))
	}
	return total
}

// Save serializes the catalog as
// count:u32 { length:u32, count:u32, (offset:u64,length:u16)*count }.
//
// The group's length field is written as 4 bytes even though
// types.Length is a 16-bit type elsewhere in this module: the established
// on-disk format has the wide field, and existing index files stay
// readable only if it is preserved.
func (c *Catalog) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)

	var groupCount uint32
	for _, length := range c.sortedLengths {
		if len(c.byLength[length]) > 0 {
			groupCount++
		}
	}
	if err := binary.Write(bw, binary.BigEndian, groupCount); err != nil {
		return err
	}

	for _, length := range c.sortedLengths {
		slots := c.byLength[length]
		if len(slots) == 0 {
			continue
		}
		if err := binary.Write(bw, binary.BigEndian, uint32(length)); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.BigEndian, uint32(len(slots))); err != nil {
			return err
		}
		for _, s := range slots {
			if err := binary.Write(bw, binary.BigEndian, uint64(s.Offset)); err != nil {
				return err
			}
			if err := binary.Write(bw, binary.BigEndian, uint16(s.Length)); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Load replaces the catalog's contents with data read from r, in the
// format Save writes.
func (c *Catalog) Load(r io.Reader) error {
	br := bufio.NewReader(r)

	var groupCount uint32
	if err := binary.Read(br, binary.BigEndian, &groupCount); err != nil {
		return fmt.Errorf("reading free-block group count: %w", err)
	}

	byLength := make(map[types.Length][]types.IndexSpace, groupCount)
	lengths := make([]types.Length, 0, groupCount)

	for i := uint32(0); i < groupCount; i++ {
		var length32, count uint32
		if err := binary.Read(br, binary.BigEndian, &length32); err != nil {
			return fmt.Errorf("reading free-block group length: %w", err)
		}
		if err := binary.Read(br, binary.BigEndian, &count); err != nil {
			return fmt.Errorf("reading free-block group count: %w", err)
		}
		length := types.Length(length32)
		slots := make([]types.IndexSpace, 0, count)
		for j := uint32(0); j < count; j++ {
			var offset uint64
			var slen uint16
			if err := binary.Read(br, binary.BigEndian, &offset); err != nil {
				return fmt.Errorf("reading free-block offset: %w", err)
			}
			if err := binary.Read(br, binary.BigEndian, &slen); err != nil {
				return fmt.Errorf("reading free-block length: %w", err)
			}
			slots = append(slots, types.IndexSpace{Offset: types.Position(offset), Length: types.Length(slen)})
		}
		if len(slots) > 0 {
			byLength[length] = slots
			lengths = append(lengths, length)
		}
	}

	sort.Slice(lengths, func(i, j int) bool { return lengths[i] < lengths[j] })
	c.byLength = byLength
	c.sortedLengths = lengths
	return nil
}

// Reset empties the catalog, used when a shard is cleared or reinitialized
// as dirty.
func (c *Catalog) Reset() {
	c.byLength = make(map[types.Length][]types.IndexSpace)
	c.sortedLengths = nil
}
