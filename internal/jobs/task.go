package jobs

import (
	"fmt"
	"runtime/debug"
)

// Task is the future result of work started with Go.
type Task[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// PanicError carries a panic recovered from a task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("jobs: task panicked: %v", e.Value)
}

// Unwrap exposes panics raised with an error value.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// Go starts fn on p and returns its future. A panic in fn is returned from
// Wait as a *PanicError.
func Go[T any](p *Pool, fn func() (T, error)) *Task[T] {
	t := &Task[T]{done: make(chan struct{})}
	p.Submit(func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		t.value, t.err = fn()
	})
	return t
}

// Wait blocks until the task finished and returns its result.
func (t *Task[T]) Wait() (T, error) {
	<-t.done
	return t.value, t.err
}

// Done returns a channel closed when the task finished.
func (t *Task[T]) Done() <-chan struct{} { return t.done }
