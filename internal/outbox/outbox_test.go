package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

type memStore struct {
	mu        sync.Mutex
	pending   []models.OutboxMessage
	processed []string
	fetchErr  error
}

func (s *memStore) GetPendingOutboxMessages(_ context.Context, limit int) ([]models.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []models.OutboxMessage
	for _, m := range s.pending {
		if len(out) == limit {
			break
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *memStore) MarkOutboxMessageAsProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.pending {
		if m.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.processed = append(s.processed, id)
	return nil
}

type flakySender struct {
	mu     sync.Mutex
	failOn string
	sent   []models.AlertEvent
}

func (s *flakySender) SendAlert(event models.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.CameraID == s.failOn {
		return errors.New("broker unavailable")
	}
	s.sent = append(s.sent, event)
	return nil
}

func pending() []models.OutboxMessage {
	return []models.OutboxMessage{
		{ID: "1", CameraID: "STORE_001", Event: models.AlertEvent{CameraID: "STORE_001", Alert: true}},
		{ID: "2", CameraID: "STORE_002", Event: models.AlertEvent{CameraID: "STORE_002", Alert: true}},
		{ID: "3", CameraID: "STORE_001", Event: models.AlertEvent{CameraID: "STORE_001", Alert: false}},
	}
}

func TestDispatchDeliversInOrder(t *testing.T) {
	store := &memStore{pending: pending()}
	sender := &flakySender{}
	d := NewDispatcher(store, sender, time.Second, zerolog.Nop())

	require.Equal(t, 3, d.Dispatch(context.Background()))
	require.Equal(t, []string{"1", "2", "3"}, store.processed)
	require.Len(t, sender.sent, 3)
	require.False(t, sender.sent[2].Alert)

	require.Zero(t, d.Dispatch(context.Background()))
}

func TestDispatchStopsAtFailure(t *testing.T) {
	store := &memStore{pending: pending()}
	sender := &flakySender{failOn: "STORE_002"}
	d := NewDispatcher(store, sender, time.Second, zerolog.Nop())

	require.Equal(t, 1, d.Dispatch(context.Background()))
	require.Equal(t, []string{"1"}, store.processed)
	require.Len(t, store.pending, 2)

	sender.failOn = ""
	require.Equal(t, 2, d.Dispatch(context.Background()))
	require.Empty(t, store.pending)
}

func TestDispatchFetchError(t *testing.T) {
	store := &memStore{fetchErr: errors.New("db down")}
	d := NewDispatcher(store, &flakySender{}, time.Second, zerolog.Nop())
	require.Zero(t, d.Dispatch(context.Background()))
}

func TestStartDrainsOnTick(t *testing.T) {
	store := &memStore{pending: pending()}
	sender := &flakySender{}
	d := NewDispatcher(store, sender, time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.pending) == 0
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}
