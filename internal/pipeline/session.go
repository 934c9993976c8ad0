package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/analytics/heatmap"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/analytics/queue"
)

// session is the state owned for one camera.
type session struct {
	// seqMu guards tail, the done channel of the most recent ticket.
	seqMu sync.Mutex
	tail  chan struct{}

	mu        sync.RWMutex
	queue     *queue.State
	grid      *heatmap.Grid
	seen      bool
	lastFrame time.Time
}

func newSession(q *queue.State, g *heatmap.Grid) *session {
	done := make(chan struct{})
	close(done)
	return &session{tail: done, queue: q, grid: g}
}

// ticket orders commits: a ticket may commit only after prev is closed, and
// closes done once it has committed or given up.
type ticket struct {
	prev   <-chan struct{}
	done   chan struct{}
	passed bool
}

func (s *session) acquire() *ticket {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	t := &ticket{prev: s.tail, done: make(chan struct{})}
	s.tail = t.done
	return t
}

// wait blocks until every earlier ticket is released.
func (t *ticket) wait(ctx context.Context) error {
	select {
	case <-t.prev:
		t.passed = true
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release hands the turn to the next ticket. A ticket abandoned before its
// turn still keeps its place, so later frames cannot overtake earlier ones.
func (t *ticket) release() {
	if t.passed {
		close(t.done)
		return
	}
	go func() {
		<-t.prev
		close(t.done)
	}()
}
