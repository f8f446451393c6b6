package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the frame capacity used when NewQueue is given a
// non-positive size.
const DefaultQueueSize = 50

// ErrQueueClosed is returned by [Queue.Pop] once the queue has been closed and
// fully drained.
var ErrQueueClosed = errors.New("audio: queue closed")

// Queue is a bounded FIFO of [AudioFrame] values sitting between a capture
// callback and a slower consumer.
//
// Push never blocks: when the queue is full the oldest frame is evicted before
// the new one is inserted. Surviving frames always keep capture order.
// Queue is safe for one producer and any number of consumers.
type Queue struct {
	frames  chan AudioFrame
	done    chan struct{}
	closed  atomic.Bool
	once    sync.Once
	dropped atomic.Uint64
	onDrop  func()
}

// QueueOption configures a [Queue].
type QueueOption func(*Queue)

// WithDropHook registers fn to be called, on the producer's goroutine, each
// time a frame is evicted. fn must not block.
func WithDropHook(fn func()) QueueOption {
	return func(q *Queue) {
		q.onDrop = fn
	}
}

// NewQueue creates a queue holding at most size frames.
func NewQueue(size int, opts ...QueueOption) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &Queue{
		frames: make(chan AudioFrame, size),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Push inserts f, evicting the oldest frame when the queue is full. It is a
// no-op after Close.
func (q *Queue) Push(f AudioFrame) {
	if q.closed.Load() {
		return
	}
	for {
		select {
		case q.frames <- f:
			return
		default:
		}
		// Full. A concurrent consumer may have made room in the meantime, in
		// which case nothing is evicted and the send is retried.
		select {
		case <-q.frames:
			q.dropped.Add(1)
			if q.onDrop != nil {
				q.onDrop()
			}
		default:
		}
	}
}

// Pop waits up to timeout for the next frame. It returns false with a nil
// error when the timeout elapses, and [ErrQueueClosed] once the queue has been
// closed and no frames remain. A non-positive timeout polls without waiting.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (AudioFrame, bool, error) {
	select {
	case f := <-q.frames:
		return f, true, nil
	default:
	}
	if q.closed.Load() {
		return AudioFrame{}, false, ErrQueueClosed
	}
	if timeout <= 0 {
		return AudioFrame{}, false, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-q.frames:
		return f, true, nil
	case <-timer.C:
		return AudioFrame{}, false, nil
	case <-q.done:
		select {
		case f := <-q.frames:
			return f, true, nil
		default:
			return AudioFrame{}, false, ErrQueueClosed
		}
	case <-ctx.Done():
		return AudioFrame{}, false, ctx.Err()
	}
}

// Len returns the number of buffered frames.
func (q *Queue) Len() int { return len(q.frames) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.frames) }

// Dropped returns the number of frames evicted since creation.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Flush discards all buffered frames and returns how many were removed.
func (q *Queue) Flush() int {
	n := 0
	for {
		select {
		case <-q.frames:
			n++
		default:
			return n
		}
	}
}

// Close stops accepting frames and wakes blocked consumers. Buffered frames
// can still be popped. Close is idempotent.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.closed.Store(true)
		close(q.done)
	})
}
