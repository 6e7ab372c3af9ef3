// Package rdkutils adapts the teacher's utils.StoppableWorkers helper
// (utils/stoppable_workers.go) so the broker's goroutines — the IPC
// accept loop, each connection's reader loop, and the single shared
// service loop — can all be stopped deterministically from Broker.Close.
package rdkutils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers is a collection of goroutines that can be stopped
// together at a later time.
type StoppableWorkers interface {
	AddWorkers(...func(context.Context))
	Stop()
	Context() context.Context
}

type stoppableWorkersImpl struct {
	mu         sync.Mutex
	cancelCtx  context.Context
	cancelFunc context.CancelFunc
	active     sync.WaitGroup
}

// NewStoppableWorkers runs each of funcs in its own goroutine. They can
// all be stopped later via Stop.
func NewStoppableWorkers(funcs ...func(context.Context)) StoppableWorkers {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	w := &stoppableWorkersImpl{cancelCtx: cancelCtx, cancelFunc: cancelFunc}
	w.AddWorkers(funcs...)
	return w
}

// AddWorkers starts additional goroutines. Calling this after Stop
// returns immediately without starting anything.
func (w *stoppableWorkersImpl) AddWorkers(funcs ...func(context.Context)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancelCtx.Err() != nil {
		return
	}

	w.active.Add(len(funcs))
	for _, f := range funcs {
		f := f
		goutils.PanicCapturingGo(func() {
			defer w.active.Done()
			f(w.cancelCtx)
		})
	}
}

// Stop cancels the shared context and waits for every started goroutine
// to return.
func (w *stoppableWorkersImpl) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cancelFunc()
	w.active.Wait()
}

// Context returns the context workers should select on to notice Stop.
func (w *stoppableWorkersImpl) Context() context.Context {
	return w.cancelCtx
}
