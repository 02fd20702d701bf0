package decisionlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type recordingStore struct {
	mu         sync.Mutex
	entries    []Entry
	outcomes   []OutcomeUpdate
	rejections []Rejection
	block      chan struct{} // when non-nil, writes wait on it
}

func (s *recordingStore) InsertEntry(_ context.Context, e Entry) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordingStore) SetOutcome(_ context.Context, u OutcomeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, u)
	return nil
}

func (s *recordingStore) InsertRejection(_ context.Context, rej Rejection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejections = append(s.rejections, rej)
	return nil
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestWriterDrainsAllRecordTypes(t *testing.T) {
	store := &recordingStore{}
	w := NewWriter(store)
	w.Start(context.Background())

	orderID, driverID := uuid.New(), uuid.New()
	w.LogEntry(Entry{OrderID: orderID, DriverID: driverID, BatchNumber: 1, Outcome: OutcomeOffered})
	w.LogOutcome(OutcomeUpdate{OrderID: orderID, DriverID: driverID, BatchNumber: 1, Outcome: OutcomeAccepted})
	w.LogRejection(Rejection{OrderID: orderID, DriverID: driverID, BatchNumber: 1, ReasonCode: "TOO_FAR"})

	w.Close()

	require.Len(t, store.entries, 1)
	require.Len(t, store.outcomes, 1)
	require.Len(t, store.rejections, 1)
	assert.Equal(t, orderID, store.entries[0].OrderID)
	assert.Equal(t, OutcomeAccepted, store.outcomes[0].Outcome)
	assert.Equal(t, "TOO_FAR", store.rejections[0].ReasonCode)
}

func TestWriterDropsSubmitsAfterClose(t *testing.T) {
	store := &recordingStore{}
	w := NewWriter(store)
	w.Start(context.Background())

	w.LogEntry(Entry{OrderID: uuid.New(), BatchNumber: 1, Outcome: OutcomeOffered})
	w.Close()

	// Engine goroutines can outlive shutdown; a straggler submit must drop,
	// not panic on a closed channel.
	assert.NotPanics(t, func() {
		w.LogOutcome(OutcomeUpdate{OrderID: uuid.New(), BatchNumber: 1, Outcome: OutcomeTimeout})
		w.LogRejection(Rejection{OrderID: uuid.New(), BatchNumber: 1, ReasonCode: "TOO_FAR"})
	})
	assert.NotPanics(t, w.Close)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.entries, 1)
	assert.Empty(t, store.outcomes)
	assert.Empty(t, store.rejections)
}

func TestWriterNeverBlocksOnFullBuffer(t *testing.T) {
	store := &recordingStore{block: make(chan struct{})}
	w := NewWriter(store)
	w.ch = make(chan op, 2) // tiny buffer to force overflow
	w.Start(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			w.LogEntry(Entry{OrderID: uuid.New(), BatchNumber: 1})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submit blocked on a full buffer")
	}

	close(store.block)
	w.Close()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.LessOrEqual(t, len(store.entries), 50, "overflow is dropped, not queued")
	assert.NotEmpty(t, store.entries, "buffered records still land")
}
