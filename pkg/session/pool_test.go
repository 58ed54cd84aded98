package session_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote/remotetest"
	"github.com/walteh/cloudstack-vmware-agent/pkg/session"
)

var creds = session.Credentials{Address: "vc.local", Principal: "admin", Secret: "pw"}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newPool(ep *remotetest.Endpoint, timeout time.Duration) (*session.Pool, *clock) {
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return session.NewPool(ep, session.Options{Timeout: timeout, MaxIdle: 2, Now: clk.Now}), clk
}

func TestAcquireReusesReleasedSession(t *testing.T) {
	ctx := t.Context()
	ep := remotetest.NewEndpoint()
	pool, _ := newPool(ep, time.Minute)

	s1, err := pool.Acquire(ctx, creds)
	require.NoError(t, err)
	s1.Next()
	pool.Release(ctx, s1)
	assert.Equal(t, 1, pool.Idle(creds.Key()))

	s2, err := pool.Acquire(ctx, creds)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, uint64(2), s2.Next(), "sequence counter survives reuse")
	assert.Equal(t, int32(1), ep.Connects.Load())
}

func TestReuseKeepsCreationTime(t *testing.T) {
	ctx := t.Context()
	ep := remotetest.NewEndpoint()
	pool, clk := newPool(ep, time.Minute)
	opened := clk.Now()

	s1, err := pool.Acquire(ctx, creds)
	require.NoError(t, err)
	assert.Equal(t, opened, s1.Created())
	pool.Release(ctx, s1)

	clk.Advance(10 * time.Second)
	s2, err := pool.Acquire(ctx, creds)
	require.NoError(t, err)
	require.Same(t, s1, s2)
	assert.Equal(t, opened, s2.Created())
}

func TestAcquireSeparatesKeys(t *testing.T) {
	ctx := t.Context()
	ep := remotetest.NewEndpoint()
	pool, _ := newPool(ep, time.Minute)

	s1, err := pool.Acquire(ctx, creds)
	require.NoError(t, err)
	pool.Release(ctx, s1)

	other := creds
	other.Principal = "operator"
	s2, err := pool.Acquire(ctx, other)
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.Equal(t, int32(2), ep.Connects.Load())
}

func TestConcurrentAcquireNeverSharesSession(t *testing.T) {
	ctx := t.Context()
	ep := remotetest.NewEndpoint()
	pool, _ := newPool(ep, time.Minute)

	s1, err := pool.Acquire(ctx, creds)
	require.NoError(t, err)
	s2, err := pool.Acquire(ctx, creds)
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
}

func TestAcquireDiscardsInvalidSessions(t *testing.T) {
	tests := []struct {
		name    string
		breakIt func(ep *remotetest.Endpoint, clk *clock)
		timeout time.Duration
	}{
		{
			name:    "endpoint dropped session",
			breakIt: func(ep *remotetest.Endpoint, _ *clock) { ep.KillSessions() },
			timeout: time.Minute,
		},
		{
			name:    "idle past timeout",
			breakIt: func(_ *remotetest.Endpoint, clk *clock) { clk.Advance(2 * time.Minute) },
			timeout: time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := t.Context()
			ep := remotetest.NewEndpoint()
			pool, clk := newPool(ep, tt.timeout)

			s1, err := pool.Acquire(ctx, creds)
			require.NoError(t, err)
			pool.Release(ctx, s1)

			tt.breakIt(ep, clk)

			s2, err := pool.Acquire(ctx, creds)
			require.NoError(t, err)
			assert.NotSame(t, s1, s2)
			assert.Equal(t, int32(2), ep.Connects.Load())
			assert.Equal(t, int32(1), ep.Logouts.Load())
		})
	}
}

func TestTimeoutChangeDiscardsSession(t *testing.T) {
	ctx := t.Context()
	ep := remotetest.NewEndpoint()
	pool, clk := newPool(ep, time.Minute)

	s1, err := pool.Acquire(ctx, creds)
	require.NoError(t, err)

	assert.True(t, s1.Valid(ctx, time.Minute, clk.Now()))
	assert.False(t, s1.Valid(ctx, 30*time.Minute, clk.Now()))
}

func TestInvalidateOnlyAffectsOneSession(t *testing.T) {
	ctx := t.Context()
	ep := remotetest.NewEndpoint()
	pool, _ := newPool(ep, time.Minute)

	s1, err := pool.Acquire(ctx, creds)
	require.NoError(t, err)
	s2, err := pool.Acquire(ctx, creds)
	require.NoError(t, err)

	pool.Invalidate(ctx, s1)
	pool.Invalidate(ctx, s1)
	pool.Release(ctx, s2)

	assert.Equal(t, int32(1), ep.Logouts.Load())
	assert.Equal(t, 1, pool.Idle(creds.Key()))

	again, err := pool.Acquire(ctx, creds)
	require.NoError(t, err)
	assert.Same(t, s2, again)
}

func TestReleaseOfInvalidatedSessionDoesNotPool(t *testing.T) {
	ctx := t.Context()
	ep := remotetest.NewEndpoint()
	pool, _ := newPool(ep, time.Minute)

	s, err := pool.Acquire(ctx, creds)
	require.NoError(t, err)
	pool.Invalidate(ctx, s)
	pool.Release(ctx, s)

	assert.Equal(t, 0, pool.Idle(creds.Key()))
}

func TestReleaseBeyondMaxIdleLogsOut(t *testing.T) {
	ctx := t.Context()
	ep := remotetest.NewEndpoint()
	pool, _ := newPool(ep, time.Minute)

	var held []*session.Session
	for range 3 {
		s, err := pool.Acquire(ctx, creds)
		require.NoError(t, err)
		held = append(held, s)
	}
	for _, s := range held {
		pool.Release(ctx, s)
	}

	assert.Equal(t, 2, pool.Idle(creds.Key()))
	assert.Equal(t, int32(1), ep.Logouts.Load())
}

func TestConnectFailureIsConnectivity(t *testing.T) {
	ctx := t.Context()
	ep := remotetest.NewEndpoint()
	ep.ConnectErr = errors.New("connection refused")
	pool, _ := newPool(ep, time.Minute)

	_, err := pool.Acquire(ctx, creds)
	require.Error(t, err)
	assert.Equal(t, fault.KindConnectivity, fault.Classify(err))
}

func TestAuxRefsAreRegistered(t *testing.T) {
	ctx := t.Context()
	pool, _ := newPool(remotetest.NewEndpoint(), time.Minute)

	s, err := pool.Acquire(ctx, creds)
	require.NoError(t, err)
	assert.Equal(t, "virtualDiskManager", s.Aux("virtualDiskManager").Value)
	assert.True(t, s.Aux("missing").IsZero())
}

func TestCloseLogsOutIdleAndRefusesNew(t *testing.T) {
	ctx := t.Context()
	ep := remotetest.NewEndpoint()
	pool, _ := newPool(ep, time.Minute)

	s, err := pool.Acquire(ctx, creds)
	require.NoError(t, err)
	pool.Release(ctx, s)

	pool.Close(ctx)
	assert.Equal(t, int32(1), ep.Logouts.Load())

	_, err = pool.Acquire(ctx, creds)
	require.Error(t, err)
}
