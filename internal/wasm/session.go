package wasm

import (
	"context"
	"fmt"
)

// The invoking *Instance travels in the context wazero hands to host
// functions. Nothing about the current guest is kept in package state.
type sessionKey struct{}

func withInstance(ctx context.Context, inst *Instance) context.Context {
	return context.WithValue(ctx, sessionKey{}, inst)
}

func instanceFrom(ctx context.Context) *Instance {
	inst, _ := ctx.Value(sessionKey{}).(*Instance)
	return inst
}

// completion is the outcome of one dispatched host call.
type completion struct {
	kind       CallKind
	module     string
	callbackID uint64
	data       []byte
	err        error
}

// callQueue tracks host calls dispatched during the current invocation.
// pending is only touched by the goroutine running the guest; workers only
// send on done, which has room for every reservation.
type callQueue struct {
	limit   int
	pending int
	done    chan completion
}

func newCallQueue(limit int) *callQueue {
	return &callQueue{
		limit: limit,
		done:  make(chan completion, limit),
	}
}

func (q *callQueue) reserve() error {
	if q.pending >= q.limit {
		return fmt.Errorf("too many pending host calls (limit %d)", q.limit)
	}
	q.pending++
	return nil
}

// reset abandons outstanding calls. Their workers finish into the old
// channel, which is then dropped.
func (q *callQueue) reset() {
	if q.pending == 0 {
		return
	}
	q.pending = 0
	q.done = make(chan completion, q.limit)
}
