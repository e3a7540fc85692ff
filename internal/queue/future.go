package queue

import (
	"context"
	"sync"
)

// Future is the single-assignment result of a request. The first resolution
// wins; later ones are ignored.
type Future struct {
	id   string
	done chan struct{}
	once sync.Once
	msg  Message
	err  error
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ID is the correlation id of the request.
func (f *Future) ID() string {
	return f.id
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get waits for the result. Abandoning the wait through ctx leaves the request
// pending until it completes, times out or the template stops.
func (f *Future) Get(ctx context.Context) (Message, error) {
	select {
	case <-f.done:
		return f.msg, f.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Future) resolve(msg Message, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.msg = msg
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}
