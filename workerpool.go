package qmem

import (
	"errors"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// Executor is the execution-context collaborator for asynchronous
// reclaimers: accepted work runs eventually, with no ordering guarantee.
type Executor interface {
	Run(f func()) error
}

// ErrExecutorClosed is returned by Run after the executor shut down
var ErrExecutorClosed = errors.New("executor closed")

type workerPool struct {
	wg       sync.WaitGroup
	doneChan chan struct{}
	workChan chan func()
}

func newWorkerPool() *workerPool {
	wp := &workerPool{doneChan: make(chan struct{}), workChan: make(chan func())}
	wp.start()
	return wp
}

func (wp *workerPool) start() {
	n := runtime.NumCPU()
	for i := 0; i < n; i++ {
		GoFunc(&wp.wg, func() {
			defer func() {
				err := recover()
				if err != nil {
					l.Error("workerPool", zap.Any("err", err))
				}
			}()
			for {
				select {
				case f := <-wp.workChan:
					f()
				case <-wp.doneChan:
					return
				}
			}
		})
	}
}

func (wp *workerPool) close() {
	close(wp.doneChan)
	wp.wg.Wait()
}

// Run implements Executor
func (wp *workerPool) Run(f func()) error {
	select {
	case wp.workChan <- f:
		return nil
	case <-wp.doneChan:
		return ErrExecutorClosed
	}
}
