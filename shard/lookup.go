package shard

import (
	"github.com/rpcpool/shardhash/node"
	"github.com/rpcpool/shardhash/types"
)

// Lookup answers a read-only query against the shard's currently published
// root. It never touches the applier's queue: readers pin the root under a
// brief read-lock and then traverse lock-free.
func (s *Shard) Lookup(key []byte, op node.Op, expired node.ExpiryFunc) (types.EntryLocation, bool, error) {
	root := s.pinRoot()
	return node.ApplyOnLeaf(s, root, key, op, expired)
}

// MaxSeqID scans every leaf under the shard's current root for the highest
// seqId, used to re-seed a write-sequence counter after a restart.
func (s *Shard) MaxSeqID() (types.SeqID, error) {
	root := s.pinRoot()
	return node.CalculateMaxSeqID(s, root)
}

// Publish walks every leaf entry under the shard's current root in key
// order. includeTombstones=false is the shape an external iteration over
// "live" keys needs; true additionally surfaces dropped-but-not-yet-
// reclaimed keys.
func (s *Shard) Publish(includeTombstones bool, visit func(node.LiveEntry) error) error {
	root := s.pinRoot()
	return node.Publish(s, root, includeTombstones, visit)
}
