package handler

import (
	"hash/fnv"
	"sync"
)

// lane is an unbounded FIFO drained by a single worker. push never blocks,
// so the Socket Mode reader can ack every envelope as soon as it arrives.
type lane[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool
	wake   chan struct{}
}

func newLane[T any]() *lane[T] {
	return &lane[T]{wake: make(chan struct{}, 1)}
}

func (l *lane[T]) push(v T) {
	l.mu.Lock()
	l.queue = append(l.queue, v)
	l.mu.Unlock()
	l.signal()
}

// close lets run return once the queue is drained.
func (l *lane[T]) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

func (l *lane[T]) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// run calls fn for every pushed value in push order until the lane is
// closed and empty.
func (l *lane[T]) run(fn func(T)) {
	var zero T
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			<-l.wake
			continue
		}
		v := l.queue[0]
		l.queue[0] = zero
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn(v)
	}
}

// laneIndex maps key to one of n lanes. The same key always lands on the
// same lane.
func laneIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
