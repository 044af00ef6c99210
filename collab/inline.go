package collab

import "github.com/rpcpool/shardhash/request"

// InlineManager completes futures synchronously on the calling goroutine.
// It violates the "never block the applier" rule NonBlockingManager exists
// to enforce, so production code must not use it; it exists for tests that
// want request results available the instant Complete returns.
type InlineManager struct{}

func (InlineManager) Complete(fut *request.Future, value request.Result) {
	fut.Complete(value)
}
