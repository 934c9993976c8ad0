package kafka

import "sync"

// offsetTracker commits a partition's offset only up to the lowest message
// that is still unacked. Commands of different cameras share partitions and
// finish out of order; committing past an unfinished one would lose it on
// restart.
type offsetTracker struct {
	mu      sync.Mutex
	pending []int64
	acked   map[int64]bool
	commit  func(next int64)
}

func newOffsetTracker(commit func(next int64)) *offsetTracker {
	return &offsetTracker{acked: make(map[int64]bool), commit: commit}
}

// add registers a delivered offset. Offsets arrive in increasing order.
func (t *offsetTracker) add(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, offset)
}

func (t *offsetTracker) ack(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.acked[offset] = true

	done := -1
	for i, off := range t.pending {
		if !t.acked[off] {
			break
		}
		delete(t.acked, off)
		done = i
	}
	if done < 0 {
		return
	}

	next := t.pending[done] + 1
	t.pending = t.pending[done+1:]
	t.commit(next)
}
