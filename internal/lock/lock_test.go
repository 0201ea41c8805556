package lock

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []bool
}

func (r *recorder) handle(held bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, held)
}

func (r *recorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.events...)
}

func TestBrokerSingleWriter(t *testing.T) {
	ctx := context.Background()
	b := NewBroker("learner-1")
	tab1, tab2 := b.Client(), b.Client()
	rec1, rec2 := &recorder{}, &recorder{}
	tab1.OnLockChange(rec1.handle)
	tab2.OnLockChange(rec2.handle)

	h1, err := tab1.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, h1.Valid())
	assert.Equal(t, h1.Token, b.Holder())

	// Re-acquiring returns the same capability.
	again, err := tab1.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, h1, again)

	_, err = tab2.Acquire(ctx)
	assert.ErrorIs(t, err, ErrHeld)
	assert.False(t, tab2.Handle().Valid())

	// Release hands the lock to the queued tab.
	require.NoError(t, tab1.Release(ctx))
	assert.Equal(t, []bool{true, false}, rec1.get())
	assert.Equal(t, []bool{true}, rec2.get())
	assert.True(t, tab2.Handle().Valid())
	assert.NotEqual(t, h1.Token, tab2.Handle().Token)

	assert.ErrorIs(t, tab1.Release(ctx), ErrNotHeld)
}

func TestBrokerRevoke(t *testing.T) {
	ctx := context.Background()
	b := NewBroker("learner-1")
	tab1, tab2 := b.Client(), b.Client()
	rec1 := &recorder{}
	tab1.OnLockChange(rec1.handle)

	_, err := tab1.Acquire(ctx)
	require.NoError(t, err)
	_, err = tab2.Acquire(ctx)
	require.ErrorIs(t, err, ErrHeld)

	b.Revoke()
	assert.Equal(t, []bool{true, false}, rec1.get())
	assert.False(t, tab1.Handle().Valid())
	assert.True(t, tab2.Handle().Valid())
}

func TestBrokerWaiterCanLeaveQueue(t *testing.T) {
	ctx := context.Background()
	b := NewBroker("learner-1")
	tab1, tab2 := b.Client(), b.Client()

	_, err := tab1.Acquire(ctx)
	require.NoError(t, err)
	_, err = tab2.Acquire(ctx)
	require.ErrorIs(t, err, ErrHeld)

	require.NoError(t, tab2.Release(ctx))
	require.NoError(t, tab1.Release(ctx))
	assert.Equal(t, "", b.Holder())
}

func TestBrokerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBroker("x").Client().Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisLock(t *testing.T) {
	addr := os.Getenv("LMSSTATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LMSSTATE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := Dial(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })

	key := "lmsstate:test:" + t.Name()
	rdb.Del(ctx, key)

	first := NewRedis(rdb, key, 600*time.Millisecond, nil)
	second := NewRedis(rdb, key, 600*time.Millisecond, nil)
	rec := &recorder{}
	second.OnLockChange(rec.handle)

	h, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, h.Valid())

	_, err = second.Acquire(ctx)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, first.Release(ctx))
	assert.Eventually(t, func() bool { return second.Handle().Valid() }, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, []bool{true}, rec.get())
	require.NoError(t, second.Release(ctx))
}
