// Package types holds the small value types shared across the index
// packages: file offsets, on-disk slot descriptors, and the location a leaf
// entry points at in the write-ahead data files.
package types

import "fmt"

// Position is a byte offset into a shard's index file.
type Position uint64

// Length is the byte length of a node's on-disk encoding. Bounded by
// maxNodeSize, which must fit in 15 bits (<= 32767) so that the sign bit is
// free for future use.
type Length uint16

// FileID identifies a write-ahead data file. A negative value means the
// entry is a tombstone: the key has been deleted but a record for it may
// still live in a data file awaiting compaction.
type FileID int64

// SeqID is a monotonically increasing write sequence number, used to break
// ties between concurrent updates to the same key.
type SeqID uint64

// IndexSpace is a slot inside a shard's index file.
type IndexSpace struct {
	Offset Position
	Length Length
}

// Empty reports whether the slot has zero length, i.e. does not occupy any
// bytes of the index file.
func (s IndexSpace) Empty() bool {
	return s.Length == 0
}

func (s IndexSpace) String() string {
	return fmt.Sprintf("IndexSpace{offset:%d,length:%d}", s.Offset, s.Length)
}

// EntryLocation is the payload stored at a leaf: where the record for a key
// lives in the write-ahead data files.
type EntryLocation struct {
	File       FileID
	Offset     int64
	NumRecords uint32
	SeqID      SeqID
}

// Tombstone reports whether this location marks a deleted key.
func (e EntryLocation) Tombstone() bool {
	return e.File < 0 || e.Offset < 0
}

// TombstoneLocation is the canonical "deleted" entry location, keeping
// NumRecords and SeqID from the prior location intact for compaction
// bookkeeping.
func TombstoneLocation(numRecords uint32, seq SeqID) EntryLocation {
	return EntryLocation{File: -1, Offset: -1, NumRecords: numRecords, SeqID: seq}
}
