package collab

import "github.com/rpcpool/shardhash/request"

// AsyncManager is the production NonBlockingManager: it hands each
// completion to its own goroutine so a slow or panicking user continuation
// chained off a Future can never stall the applier that produced the
// result. Unlike InlineManager, Complete returns before the future is
// necessarily resolved.
type AsyncManager struct{}

func (AsyncManager) Complete(fut *request.Future, value request.Result) {
	go fut.Complete(value)
}
