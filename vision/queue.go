package vision

import (
	"sync"
)

// FrameQueue bounded per-connection frame buffer with oldest-first drop.
// Recency is prioritized over completeness: a full queue sheds its oldest
// frame so the publisher never blocks on a slow consumer.
type FrameQueue struct {
	lock     sync.Mutex
	frames   []*FrameMessage
	capacity int
	dropped  uint64
	notify   chan<- struct{}
}

// NewFrameQueue define a frame queue with fixed capacity. When notify is not
// nil, a token is placed on it (without blocking) after each push.
func NewFrameQueue(capacity int, notify chan<- struct{}) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{
		frames:   make([]*FrameMessage, 0, capacity),
		capacity: capacity,
		notify:   notify,
	}
}

// Push append a frame, shedding the oldest entry when full. Returns the
// number of frames dropped to make room.
func (q *FrameQueue) Push(msg *FrameMessage) int {
	q.lock.Lock()
	droppedNow := 0
	if len(q.frames) == q.capacity {
		copy(q.frames, q.frames[1:])
		q.frames = q.frames[:q.capacity-1]
		q.dropped++
		droppedNow = 1
	}
	q.frames = append(q.frames, msg)
	q.lock.Unlock()

	if q.notify != nil {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return droppedNow
}

// Pop remove the oldest queued frame
func (q *FrameQueue) Pop() (*FrameMessage, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	msg := q.frames[0]
	copy(q.frames, q.frames[1:])
	q.frames = q.frames[:len(q.frames)-1]
	return msg, true
}

// Len current queue depth
func (q *FrameQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.frames)
}

// Dropped total frames shed since creation
func (q *FrameQueue) Dropped() uint64 {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.dropped
}
