package shard

import (
	"errors"

	"github.com/rpcpool/shardhash/metrics"
	"github.com/rpcpool/shardhash/node"
	"github.com/rpcpool/shardhash/request"
	"github.com/rpcpool/shardhash/types"
)

// run is the applier goroutine: the only code path permitted to mutate
// root, the free-block catalog, or indexFileSize (invariant I1). It drains
// queue until the channel is closed, then signals done.
func (s *Shard) run() {
	defer close(s.done)
	for req := range s.queue {
		s.apply(req)
	}
}

func (s *Shard) apply(req *request.IndexRequest) {
	metrics.AppliedRequestsTotal.WithLabelValues(s.idStr, req.Type.String()).Inc()

	if s.degraded.Load() {
		s.complete(req, request.Result{Err: types.ErrShardDegraded})
		return
	}

	switch req.Type {
	case request.Clear:
		s.applyClear(req)
	case request.SyncRequest:
		if req.Action != nil {
			req.Action()
		}
		s.complete(req, request.Result{})
	default:
		s.applyMutation(req)
	}
}

func (s *Shard) applyMutation(req *request.IndexRequest) {
	root := s.pinRoot()
	hook := request.HookFor(req.Type)

	// Only MOVED's guard can reject the mutation outright, and it must do
	// so before any node is rewritten; that needs the leaf's current entry
	// up front. Every other type always proceeds to setPosition and is
	// judged afterward from setPosition's own report of what was there.
	if req.Type == request.Moved {
		loc, found, err := node.ApplyOnLeaf(s, root, req.Key, node.GetExpiredRecord, nil)
		if err != nil {
			s.fail(req, err)
			return
		}
		var current *types.EntryLocation
		if found {
			current = &loc
		}
		if !hook.Apply(req, current).Apply {
			s.complete(req, request.Result{Overwritten: false})
			return
		}
	}

	change := recordChangeFor(req.Type)
	res, err := node.SetPosition(s, root, req.Key, req.New, change)
	if err != nil {
		s.fail(req, err)
		return
	}
	s.publishRoot(res.NewRoot)

	decision := hook.Apply(req, res.Prev)
	s.liveEntries.Add(int64(decision.Delta))
	metrics.LiveEntries.WithLabelValues(s.idStr).Set(float64(s.liveEntries.Load()))
	metrics.FreeBytes.WithLabelValues(s.idStr).Set(float64(s.catalog.TotalBytes()))
	metrics.IndexFileSize.WithLabelValues(s.idStr).Set(float64(s.indexFileSize))

	if s.deps.TempTable != nil {
		s.deps.TempTable.RemoveConditionally(req.CacheSegment, req.Key, req.New.File, req.New.Offset)
	}

	s.complete(req, request.Result{Overwritten: res.Prev != nil, Position: req.New})
}

func (s *Shard) applyClear(req *request.IndexRequest) {
	if err := s.initEmpty(); err != nil {
		s.fail(req, err)
		return
	}
	metrics.LiveEntries.WithLabelValues(s.idStr).Set(0)
	metrics.FreeBytes.WithLabelValues(s.idStr).Set(0)
	metrics.IndexFileSize.WithLabelValues(s.idStr).Set(float64(s.indexFileSize))
	s.complete(req, request.Result{})
}

func recordChangeFor(t request.Type) node.RecordChange {
	switch t {
	case request.Moved:
		return node.Move
	case request.Update:
		return node.Increase
	case request.Dropped:
		return node.Decrease
	case request.FoundOld:
		return node.IncreaseForOld
	default:
		return node.Move
	}
}

// fail completes req exceptionally. Programmer-error classes (illegal
// state, too-short keys) leave the shard running; anything else is treated
// as transient I/O whose failed write path degrades the shard.
func (s *Shard) fail(req *request.IndexRequest, err error) {
	metrics.ApplyErrorsTotal.WithLabelValues(s.idStr, req.Type.String()).Inc()
	if !errors.Is(err, types.ErrIllegalState) && !errors.Is(err, types.ErrKeyTooShort) {
		log.Errorw("shard applier degraded", "shard", s.id, "req", req.ID, "type", req.Type, "err", err)
		s.degraded.Store(true)
	}
	s.complete(req, request.Result{Err: err})
}

func (s *Shard) complete(req *request.IndexRequest, res request.Result) {
	s.deps.Manager.Complete(req.Future(), res)
}
