package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarls/soloist/internal/db"
)

type fakeDeliverer struct {
	mu       sync.Mutex
	statuses map[string]int // inbox → response status, 0 means transport error
	calls    map[string]int
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{statuses: map[string]int{}, calls: map[string]int{}}
}

func (f *fakeDeliverer) Deliver(_ context.Context, inbox string, _ []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[inbox]++
	status := f.statuses[inbox]
	if status == 0 {
		return 0, errors.New("connection refused")
	}
	if status >= 400 {
		return status, fmt.Errorf("HTTP %d", status)
	}
	return status, nil
}

func (f *fakeDeliverer) callCount(inbox string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[inbox]
}

func openStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDrainDeletesDelivered(t *testing.T) {
	store := openStore(t)
	fake := newFakeDeliverer()
	fake.statuses["https://ok.example/inbox"] = 202

	require.NoError(t, store.EnqueueDeliveries([]string{"https://ok.example/inbox"}, `{"type":"Create"}`))
	NewWorker(store, fake).drain(context.Background())

	assert.Equal(t, 1, fake.callCount("https://ok.example/inbox"))
	due, err := store.DueDeliveries(time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDrainReschedulesTransientFailure(t *testing.T) {
	store := openStore(t)
	fake := newFakeDeliverer()
	fake.statuses["https://down.example/inbox"] = 503

	require.NoError(t, store.EnqueueDeliveries([]string{"https://down.example/inbox"}, `{}`))
	w := NewWorker(store, fake)
	w.drain(context.Background())

	// Not due now, but still queued with a bumped attempt count.
	due, err := store.DueDeliveries(time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.DueDeliveries(time.Now().Add(baseBackoff+time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)

	// Draining again before the retry is due must not re-attempt.
	w.drain(context.Background())
	assert.Equal(t, 1, fake.callCount("https://down.example/inbox"))
}

func TestDrainDropsTerminalFailure(t *testing.T) {
	store := openStore(t)
	fake := newFakeDeliverer()
	fake.statuses["https://gone.example/inbox"] = 410

	require.NoError(t, store.EnqueueDeliveries([]string{"https://gone.example/inbox"}, `{}`))
	NewWorker(store, fake).drain(context.Background())

	due, err := store.DueDeliveries(time.Now().Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDrainKeepsRetryableStatuses(t *testing.T) {
	for _, status := range []int{408, 429, 500, 503} {
		store := openStore(t)
		fake := newFakeDeliverer()
		inbox := "https://flaky.example/inbox"
		fake.statuses[inbox] = status

		require.NoError(t, store.EnqueueDeliveries([]string{inbox}, `{}`))
		NewWorker(store, fake).drain(context.Background())

		due, err := store.DueDeliveries(time.Now().Add(24*time.Hour), 10)
		require.NoError(t, err)
		assert.Len(t, due, 1, "status %d must stay queued", status)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	store := openStore(t)
	fake := newFakeDeliverer() // transport error every time
	inbox := "https://unreachable.example/inbox"

	require.NoError(t, store.EnqueueDeliveries([]string{inbox}, `{}`))
	w := NewWorker(store, fake)

	for i := 0; i < maxAttempts; i++ {
		due, err := store.DueDeliveries(time.Now().Add(365*24*time.Hour), 10)
		require.NoError(t, err)
		if len(due) == 0 {
			break
		}
		w.attempt(context.Background(), &due[0])
	}

	due, err := store.DueDeliveries(time.Now().Add(365*24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	assert.Equal(t, maxAttempts, fake.callCount(inbox))
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	assert.Equal(t, baseBackoff, backoff(1))
	assert.Equal(t, 2*baseBackoff, backoff(2))
	assert.Equal(t, 4*baseBackoff, backoff(3))
	assert.Equal(t, maxBackoff, backoff(100))
}
