// Package node implements IndexNode: the immutable B+tree-like node that
// backs a shard's on-disk index. Inner nodes hold key-prefix separators
// plus child IndexSpace pointers; leaf nodes hold (key, EntryLocation)
// tuples. Nodes are never mutated in place — every write produces a new
// node at a fresh IndexSpace, and the superseded slot is handed back to
// the caller's free catalog. There are no parent pointers: the tree is
// reconstructed on every descent, and mutation propagates upward purely
// through return values (see SetPosition).
package node

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/rpcpool/shardhash/types"
)

// kind distinguishes the two node shapes on disk.
type kind uint8

const (
	kindLeaf  kind = 0
	kindInner kind = 1
)

// LeafEntry is one (key, location) tuple stored in a leaf node, sorted by
// Key within the node.
type LeafEntry struct {
	Key []byte
	Loc types.EntryLocation
}

// Node is the in-memory, decoded form of an on-disk node. Exactly one of
// the two shapes is populated, selected by Kind.
type Node struct {
	Kind kind

	// Leaf shape.
	Entries []LeafEntry

	// Inner shape. len(Seps) == len(Children)-1. Sep[i] is the upper bound
	// (exclusive) separating Children[i] (keys < Sep[i]) from Children[i+1]
	// (keys >= Sep[i]).
	Seps     [][]byte
	Children []types.IndexSpace
}

// NewEmptyLeaf returns the canonical empty tree: a leaf with zero entries.
func NewEmptyLeaf() *Node {
	return &Node{Kind: kindLeaf}
}

// IsLeaf reports whether this is a leaf node.
func (n *Node) IsLeaf() bool { return n.Kind == kindLeaf }

// Reader is the read-only view over the on-disk node store a shard
// provides. Traversal never needs more than this: it is what concurrent
// readers use once they have pinned the root IndexSpace.
type Reader interface {
	ReadNode(space types.IndexSpace) (*Node, error)
}

// Writer is the read-write view a shard's single applier uses to mutate
// the tree. WriteNode persists n at a fresh slot (reusing a free one where
// the anti-fragmentation guard in freelist allows it) and returns that
// slot; FreeSlot returns a superseded slot to the free catalog. Bounds
// reports the configured (min, max) node sizes used by the split/merge
// policy.
type Writer interface {
	Reader
	WriteNode(n *Node) (types.IndexSpace, error)
	FreeSlot(space types.IndexSpace)
	Bounds() (min, max types.Length)
}

// ---- encoding -------------------------------------------------------------

// Encode serializes n into its on-disk representation.
func Encode(n *Node) ([]byte, error) {
	var buf bytes.Buffer
	if n.Kind == kindLeaf {
		buf.WriteByte(byte(kindLeaf))
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(n.Entries))); err != nil {
			return nil, err
		}
		for _, e := range n.Entries {
			if err := writeKey(&buf, e.Key); err != nil {
				return nil, err
			}
			if err := binary.Write(&buf, binary.BigEndian, int64(e.Loc.File)); err != nil {
				return nil, err
			}
			if err := binary.Write(&buf, binary.BigEndian, e.Loc.Offset); err != nil {
				return nil, err
			}
			if err := binary.Write(&buf, binary.BigEndian, e.Loc.NumRecords); err != nil {
				return nil, err
			}
			if err := binary.Write(&buf, binary.BigEndian, uint64(e.Loc.SeqID)); err != nil {
				return nil, err
			}
		}
		return buf.Bytes(), nil
	}

	buf.WriteByte(byte(kindInner))
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(n.Children))); err != nil {
		return nil, err
	}
	for _, sep := range n.Seps {
		if err := writeKey(&buf, sep); err != nil {
			return nil, err
		}
	}
	for _, c := range n.Children {
		if err := binary.Write(&buf, binary.BigEndian, uint64(c.Offset)); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(c.Length)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeKey(buf *bytes.Buffer, key []byte) error {
	if len(key) > 0xFFFF {
		return fmt.Errorf("key of %d bytes exceeds maximum encodable key length", len(key))
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(key))); err != nil {
		return err
	}
	buf.Write(key)
	return nil
}

// Decode parses the on-disk representation written by Encode.
func Decode(data []byte) (*Node, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("node buffer too short")
	}
	r := bytes.NewReader(data[1:])
	switch kind(data[0]) {
	case kindLeaf:
		var count uint16
		if err := binary.Read(r, binary.BigEndian, &count); err != nil {
			return nil, err
		}
		entries := make([]LeafEntry, 0, count)
		for i := uint16(0); i < count; i++ {
			key, err := readKey(r)
			if err != nil {
				return nil, err
			}
			var file, offset int64
			var numRecords uint32
			var seq uint64
			if err := binary.Read(r, binary.BigEndian, &file); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.BigEndian, &offset); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.BigEndian, &numRecords); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.BigEndian, &seq); err != nil {
				return nil, err
			}
			entries = append(entries, LeafEntry{
				Key: key,
				Loc: types.EntryLocation{
					File:       types.FileID(file),
					Offset:     offset,
					NumRecords: numRecords,
					SeqID:      types.SeqID(seq),
				},
			})
		}
		return &Node{Kind: kindLeaf, Entries: entries}, nil

	case kindInner:
		var childCount uint16
		if err := binary.Read(r, binary.BigEndian, &childCount); err != nil {
			return nil, err
		}
		if childCount == 0 {
			return nil, fmt.Errorf("inner node with zero children")
		}
		seps := make([][]byte, 0, childCount-1)
		for i := uint16(0); i < childCount-1; i++ {
			sep, err := readKey(r)
			if err != nil {
				return nil, err
			}
			seps = append(seps, sep)
		}
		children := make([]types.IndexSpace, 0, childCount)
		for i := uint16(0); i < childCount; i++ {
			var offset uint64
			var length uint16
			if err := binary.Read(r, binary.BigEndian, &offset); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.BigEndian, &length); err != nil {
				return nil, err
			}
			children = append(children, types.IndexSpace{Offset: types.Position(offset), Length: types.Length(length)})
		}
		return &Node{Kind: kindInner, Seps: seps, Children: children}, nil

	default:
		return nil, fmt.Errorf("unknown node kind %d", data[0])
	}
}

func readKey(r *bytes.Reader) ([]byte, error) {
	var klen uint16
	if err := binary.Read(r, binary.BigEndian, &klen); err != nil {
		return nil, err
	}
	key := make([]byte, klen)
	if klen > 0 {
		if _, err := r.Read(key); err != nil {
			return nil, err
		}
	}
	return key, nil
}

// leafEntrySize is one entry's share of a leaf's encoding: length-prefixed
// key plus the fixed-width EntryLocation fields.
func leafEntrySize(e LeafEntry) int {
	return 2 + len(e.Key) + 8 + 8 + 4 + 8
}

// encodedSize is used by the split/merge policy to decide when a candidate
// node shape fits within maxNodeSize without actually serializing it.
func encodedSize(n *Node) int {
	if n.Kind == kindLeaf {
		size := 1 + 2
		for _, e := range n.Entries {
			size += leafEntrySize(e)
		}
		return size
	}
	size := 1 + 2
	for _, s := range n.Seps {
		size += 2 + len(s)
	}
	size += len(n.Children) * (8 + 2)
	return size
}

// childIndexFor returns the index into an inner node's Children slice that
// covers key, using binary search over the separators: the first i such
// that key < Seps[i] is the covering child; if key is >= every separator,
// the last child covers it.
func childIndexFor(seps [][]byte, key []byte) int {
	i := sort.Search(len(seps), func(i int) bool {
		return bytes.Compare(key, seps[i]) < 0
	})
	return i
}

// leafIndexFor returns the position of key in a sorted leaf's Entries, and
// whether it was found. If not found, the position is where it would be
// inserted to keep Entries sorted.
func leafIndexFor(entries []LeafEntry, key []byte) (pos int, found bool) {
	pos = sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Key, key) >= 0
	})
	if pos < len(entries) && bytes.Equal(entries[pos].Key, key) {
		return pos, true
	}
	return pos, false
}
