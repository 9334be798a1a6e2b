package runtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubQueue_StartsPaused(t *testing.T) {
	sq := NewSubQueue[int](10)
	defer sq.Close()

	sq.Enqueue(42)

	select {
	case <-sq.Chan():
		t.Fatal("should not receive value while paused")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubQueue_SnapshotThenLive(t *testing.T) {
	sq := NewSubQueue[int](10)
	defer sq.Close()

	// Live events arrive while the snapshot is being seeded.
	sq.Enqueue(3)
	sq.SnapshotSend(1)
	sq.SnapshotSend(2)
	sq.SetPaused(false)

	// Snapshot values first, then the backlog.
	assert.Equal(t, 1, <-sq.Chan())
	assert.Equal(t, 2, <-sq.Chan())
	assert.Equal(t, 3, <-sq.Chan())
}

func TestSubQueue_PreservesOrder(t *testing.T) {
	sq := NewSubQueue[int](10)
	defer sq.Close()
	sq.SetPaused(false)

	for i := 0; i < 5; i++ {
		sq.Enqueue(i)
	}
	for i := 0; i < 5; i++ {
		select {
		case v := <-sq.Chan():
			assert.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for value %d", i)
		}
	}
}

func TestSubQueue_ProducerNeverBlocks(t *testing.T) {
	// Channel buffer of one and no reader: the backlog must absorb
	// everything without stalling the producer.
	sq := NewSubQueue[int](1)
	defer sq.Close()
	sq.SetPaused(false)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			sq.Enqueue(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer blocked on a slow consumer")
	}

	for i := 0; i < 1000; i++ {
		select {
		case v := <-sq.Chan():
			assert.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatalf("timeout draining value %d", i)
		}
	}
}

func TestSubQueue_CloseClosesChannel(t *testing.T) {
	sq := NewSubQueue[int](10)
	sq.SetPaused(false)

	sq.Enqueue(1)
	<-sq.Chan()
	sq.Close()

	select {
	case _, ok := <-sq.Chan():
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

func TestSubQueue_EnqueueAfterClose(t *testing.T) {
	sq := NewSubQueue[int](10)
	sq.SetPaused(false)
	sq.Close()

	require.NotPanics(t, func() {
		sq.Enqueue(42)
	})
}

func TestSubQueue_ConcurrentProducers(t *testing.T) {
	sq := NewSubQueue[int](100)
	defer sq.Close()
	sq.SetPaused(false)

	const producers = 10
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				sq.Enqueue(i)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < producers*perProducer; i++ {
		select {
		case <-sq.Chan():
		case <-time.After(time.Second):
			t.Fatalf("timeout after %d values", i)
		}
	}
}
