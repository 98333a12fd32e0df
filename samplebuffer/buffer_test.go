package samplebuffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("fixed capacity", func(t *testing.T) {
		b := New[int](4)
		assert.Equal(t, 4, b.Cap())
		assert.Equal(t, 0, b.Len())
	})

	t.Run("capacity below one is raised", func(t *testing.T) {
		assert.Equal(t, 1, New[int](0).Cap())
		assert.Equal(t, 1, New[int](-3).Cap())
	})
}

func TestBuffer_FIFO(t *testing.T) {
	ctx := context.Background()

	t.Run("pop returns items in push order", func(t *testing.T) {
		b := New[string](5)
		for _, v := range []string{"a", "b", "c", "d", "e"} {
			require.NoError(t, b.Push(ctx, v))
		}

		for _, want := range []string{"a", "b", "c", "d", "e"} {
			got, err := b.Pop(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("order survives ring wrap-around", func(t *testing.T) {
		b := New[int](3)
		next := 0
		for round := range 10 {
			require.NoError(t, b.Push(ctx, round*2))
			require.NoError(t, b.Push(ctx, round*2+1))
			for range 2 {
				got, err := b.Pop(ctx)
				require.NoError(t, err)
				assert.Equal(t, next, got)
				next++
			}
		}
	})
}

func TestBuffer_Backpressure(t *testing.T) {
	ctx := context.Background()
	b := New[string](3)

	require.NoError(t, b.Push(ctx, "A"))
	require.NoError(t, b.Push(ctx, "B"))
	require.NoError(t, b.Push(ctx, "C"))

	done := make(chan error, 1)
	go func() {
		done <- b.Push(ctx, "D")
	}()

	select {
	case <-done:
		t.Fatal("push into a full buffer returned without a pop")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 3, b.Len())

	got, err := b.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", got)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked push did not complete after pop")
	}

	assert.Equal(t, []string{"B", "C", "D"}, b.Drain())
}

func TestBuffer_PopBlocksUntilPush(t *testing.T) {
	ctx := context.Background()
	b := New[int](2)

	got := make(chan int, 1)
	go func() {
		v, err := b.Pop(ctx)
		if err == nil {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatal("pop on empty buffer returned")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, b.Push(ctx, 42))
	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake after push")
	}
}

func TestBuffer_TryPop(t *testing.T) {
	b := New[int](2)

	_, ok := b.TryPop()
	assert.False(t, ok)

	require.NoError(t, b.Push(context.Background(), 7))
	v, ok := b.TryPop()
	assert.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestBuffer_Clear(t *testing.T) {
	ctx := context.Background()

	t.Run("discards everything", func(t *testing.T) {
		b := New[int](4)
		for i := range 4 {
			require.NoError(t, b.Push(ctx, i))
		}

		b.Clear()

		_, ok := b.TryPop()
		assert.False(t, ok)
		assert.Equal(t, 0, b.Len())
	})

	t.Run("clear on empty buffer", func(t *testing.T) {
		b := New[int](1)
		b.Clear()
		_, ok := b.TryPop()
		assert.False(t, ok)
	})

	t.Run("unblocks a waiting pusher", func(t *testing.T) {
		b := New[int](1)
		require.NoError(t, b.Push(ctx, 1))

		done := make(chan error, 1)
		go func() { done <- b.Push(ctx, 2) }()
		time.Sleep(20 * time.Millisecond)

		b.Clear()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("pusher still blocked after clear")
		}

		v, ok := b.TryPop()
		assert.True(t, ok)
		assert.Equal(t, 2, v)
	})
}

func TestBuffer_Context(t *testing.T) {
	t.Run("cancel unblocks push without storing", func(t *testing.T) {
		b := New[int](1)
		require.NoError(t, b.Push(context.Background(), 1))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- b.Push(ctx, 2) }()
		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("push ignored cancellation")
		}
		assert.Equal(t, []int{1}, b.Drain())
	})

	t.Run("deadline unblocks pop", func(t *testing.T) {
		b := New[int](1)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := b.Pop(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestBuffer_Close(t *testing.T) {
	ctx := context.Background()

	t.Run("push after close fails", func(t *testing.T) {
		b := New[int](2)
		b.Close()
		b.Close()
		assert.True(t, b.Closed())
		assert.ErrorIs(t, b.Push(ctx, 1), ErrClosed)
	})

	t.Run("buffered items are delivered before ErrClosed", func(t *testing.T) {
		b := New[int](2)
		require.NoError(t, b.Push(ctx, 1))
		b.Close()

		v, err := b.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, v)

		_, err = b.Pop(ctx)
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("close wakes blocked poppers and pushers", func(t *testing.T) {
		empty := New[int](1)
		full := New[int](1)
		require.NoError(t, full.Push(ctx, 1))

		errs := make(chan error, 2)
		go func() {
			_, err := empty.Pop(ctx)
			errs <- err
		}()
		go func() { errs <- full.Push(ctx, 2) }()
		time.Sleep(20 * time.Millisecond)

		empty.Close()
		full.Close()

		for range 2 {
			select {
			case err := <-errs:
				assert.ErrorIs(t, err, ErrClosed)
			case <-time.After(time.Second):
				t.Fatal("waiter not woken by close")
			}
		}
	})
}

func TestBuffer_ConcurrentProducerConsumer(t *testing.T) {
	ctx := context.Background()
	b := New[int](4)
	const n = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range n {
			if err := b.Push(ctx, i); err != nil {
				t.Errorf("push %d: %v", i, err)
				return
			}
		}
	}()

	for want := range n {
		got, err := b.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got)
		require.LessOrEqual(t, b.Len(), b.Cap())
	}
	wg.Wait()
}
