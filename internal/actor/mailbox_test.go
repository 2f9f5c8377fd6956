package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_FIFO(t *testing.T) {
	mb := NewMailbox[string]()
	for _, s := range []string{"A", "B", "C"} {
		require.True(t, mb.Send(s))
	}
	assert.Equal(t, 3, mb.Len())

	for _, want := range []string{"A", "B", "C"} {
		got, ok := mb.TryReceive()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := mb.TryReceive()
	assert.False(t, ok, "receive from empty mailbox should return false")
}

func TestMailbox_NextBlocksUntilAvailable(t *testing.T) {
	mb := NewMailbox[int]()
	done := make(chan int)

	go func() {
		v, err := mb.Next(context.Background())
		if err == nil {
			done <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	mb.Send(7)

	select {
	case v := <-done:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock")
	}
}

func TestMailbox_NextRespectsContext(t *testing.T) {
	mb := NewMailbox[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := mb.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMailbox_CloseDrainsThenErrors(t *testing.T) {
	mb := NewMailbox[int]()
	mb.Send(1)
	mb.Close()
	mb.Close()

	assert.False(t, mb.Send(2), "send after close should fail")

	v, err := mb.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = mb.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMailbox_ConcurrentSenders(t *testing.T) {
	mb := NewMailbox[int]()
	const senders, each = 20, 50

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				mb.Send(j)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, senders*each, mb.Len())
}

func TestAwait(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 3
	v, err := Await(context.Background(), ch, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	_, err = Await(context.Background(), make(chan int), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClock(t *testing.T) {
	c := NewClockAt(100)
	assert.Equal(t, int64(100), c.Current())
	assert.Equal(t, int64(101), c.Next())

	var wg sync.WaitGroup
	seen := sync.Map{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, dup := seen.LoadOrStore(c.Next(), true)
				assert.False(t, dup)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1101), c.Current())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "restarting", StateRestarting.String())
	assert.Equal(t, "unknown", State(42).String())
}
