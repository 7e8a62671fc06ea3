package mailbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[string]()
	for _, s := range []string{"a", "b", "c"} {
		require.True(t, q.Put(s))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.TryTake()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := q.TryTake()
	assert.False(t, ok)
}

func TestQueue_PutAfterClose(t *testing.T) {
	q := New[int]()
	q.Close()
	q.Close()
	assert.False(t, q.Put(1))
}

func TestQueue_DrainDeliversQueuedItemsAfterClose(t *testing.T) {
	q := New[int]()
	for i := 0; i < 5; i++ {
		q.Put(i)
	}
	q.Close()

	var got []int
	err := q.Drain(context.Background(), func(v int) { got = append(got, v) })
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestQueue_DrainWakesOnPut(t *testing.T) {
	q := New[int]()
	got := make(chan int, 1)

	go func() {
		_ = q.Drain(context.Background(), func(v int) { got <- v })
	}()

	time.Sleep(10 * time.Millisecond)
	q.Put(42)

	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("drain did not wake")
	}
	q.Close()
}

func TestQueue_DrainStopsOnContext(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- q.Drain(ctx, func(int) {}) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("drain ignored cancellation")
	}
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := New[int]()
	const producers = 10
	const each = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				q.Put(i)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, producers*each, q.Len())
}
