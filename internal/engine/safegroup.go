package engine

import (
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/catkinbloom/catkinbloom/pkg/logger"
)

// PanicError is produced when a SafeGroup task panics
type PanicError struct {
	Task  string
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: goroutine panic: %v", e.Task, e.Value)
}

// SafeGroup is a bounded worker pool built on errgroup.Group with panic
// recovery. Unlike a plain errgroup it keeps every task error, not only the
// first, and a failing task never cancels its siblings. A SafeGroup can be
// reused after Wait returns.
type SafeGroup struct {
	group  errgroup.Group
	logger logger.Logger

	mu   sync.Mutex
	errs []error
}

// NewSafeGroup creates a new SafeGroup with panic recovery
func NewSafeGroup(log logger.Logger) *SafeGroup {
	return &SafeGroup{logger: log}
}

// SetLimit sets the maximum number of concurrent tasks.
// It must not be called while tasks are running.
func (sg *SafeGroup) SetLimit(n int) {
	sg.group.SetLimit(n)
}

// Go runs fn in a new goroutine, blocking while the group is at its limit.
// Panics are converted to a *PanicError and logged with their stack trace.
func (sg *SafeGroup) Go(task string, fn func() error) {
	sg.group.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()

				sg.logger.Error("Goroutine panic recovered",
					logger.WithField("task", task),
					logger.WithField("panic", r),
					logger.WithField("stack_trace", string(stack)))

				sg.record(&PanicError{Task: task, Value: r, Stack: stack})
			}
		}()

		if err := fn(); err != nil {
			sg.record(err)
		}
		return nil
	})
}

func (sg *SafeGroup) record(err error) {
	sg.mu.Lock()
	sg.errs = append(sg.errs, err)
	sg.mu.Unlock()
}

// Wait blocks until every task has completed and returns the errors of all
// failed tasks, in completion order
func (sg *SafeGroup) Wait() []error {
	_ = sg.group.Wait()

	sg.mu.Lock()
	defer sg.mu.Unlock()
	errs := sg.errs
	sg.errs = nil
	return errs
}
