package netmon_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/habedi/convo/netmon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// steppingClock advances by step on every read, so each probe measures exactly one step.
type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *steppingClock) set(step time.Duration) {
	c.mu.Lock()
	c.step = step
	c.mu.Unlock()
}

type link struct{ up atomic.Bool }

func (l *link) detect() (bool, string) { return l.up.Load(), "" }

func newMonitor(t *testing.T, check func(context.Context) error) (*netmon.Monitor, *steppingClock, *link) {
	t.Helper()
	clock := &steppingClock{now: time.Unix(0, 0), step: 50 * time.Millisecond}
	l := &link{}
	l.up.Store(true)
	m := netmon.New(
		[]netmon.Probe{{Name: "health", Check: check}},
		netmon.WithClock(clock.Now),
		netmon.WithLinkDetector(l.detect),
		netmon.WithTimeout(time.Second),
	)
	return m, clock, l
}

func ok(context.Context) error { return nil }

func TestMonitor_StartsOptimistic(t *testing.T) {
	m, _, _ := newMonitor(t, ok)
	assert.True(t, m.Online())
	assert.Equal(t, netmon.QualityUnknown, m.Status().Quality)
}

func TestProbe_ClassifiesFromRTT(t *testing.T) {
	m, _, _ := newMonitor(t, ok)
	st := m.Probe(context.Background())
	assert.True(t, st.Online)
	assert.Equal(t, 50*time.Millisecond, st.RTT)
	assert.Equal(t, netmon.QualityExcellent, st.Quality)
}

func TestProbe_RollingAverage(t *testing.T) {
	m, clock, _ := newMonitor(t, ok)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m.Probe(ctx)
	}
	clock.set(550 * time.Millisecond)
	st := m.Probe(ctx)
	// window: four 50ms samples and one 550ms sample
	assert.Equal(t, 150*time.Millisecond, st.RTT)
	assert.Equal(t, netmon.QualityGood, st.Quality)
}

func TestProbe_FailingEndpointGoesOffline(t *testing.T) {
	var fail atomic.Bool
	m, _, _ := newMonitor(t, func(context.Context) error {
		if fail.Load() {
			return errors.New("connection refused")
		}
		return nil
	})
	ctx := context.Background()

	require.True(t, m.Probe(ctx).Online)
	fail.Store(true)
	st := m.Probe(ctx)
	assert.False(t, st.Online)
	assert.Equal(t, netmon.QualityUnknown, st.Quality)
}

func TestProbe_AnyEndpointSuffices(t *testing.T) {
	m := netmon.New([]netmon.Probe{
		{Name: "down", Check: func(context.Context) error { return errors.New("down") }},
		{Name: "up", Check: ok},
	}, netmon.WithLinkDetector(func() (bool, string) { return true, "" }))
	assert.True(t, m.Probe(context.Background()).Online)
}

func TestProbe_LinkDownSkipsEndpoints(t *testing.T) {
	var called atomic.Bool
	m, _, l := newMonitor(t, func(context.Context) error { called.Store(true); return nil })
	l.up.Store(false)

	assert.False(t, m.Probe(context.Background()).Online)
	assert.False(t, called.Load())
}

func TestSubscribe_NotifiesOnChangeOnly(t *testing.T) {
	var fail atomic.Bool
	m, clock, _ := newMonitor(t, func(context.Context) error {
		if fail.Load() {
			return errors.New("down")
		}
		return nil
	})
	ctx := context.Background()

	var got []netmon.Status
	unsubscribe := m.Subscribe(func(s netmon.Status) { got = append(got, s) })

	m.Probe(ctx) // unknown -> excellent
	m.Probe(ctx) // unchanged
	clock.set(60 * time.Millisecond)
	m.Probe(ctx) // RTT moves, quality does not
	require.Len(t, got, 1)
	assert.Equal(t, netmon.QualityExcellent, got[0].Quality)

	fail.Store(true)
	m.Probe(ctx)
	require.Len(t, got, 2)
	assert.False(t, got[1].Online)

	unsubscribe()
	unsubscribe()
	fail.Store(false)
	m.Probe(ctx)
	assert.Len(t, got, 2)
}

func TestSetLinkState(t *testing.T) {
	m, _, _ := newMonitor(t, ok)
	m.Probe(context.Background())

	changes := make(chan netmon.Status, 4)
	m.Subscribe(func(s netmon.Status) { changes <- s })

	m.SetLinkState(false, "")
	s := <-changes
	assert.False(t, s.Online)

	m.SetLinkState(true, "")
	assert.False(t, m.Online(), "link up alone does not mean reachable")

	m.Probe(context.Background())
	s = <-changes
	assert.True(t, s.Online)
}

func TestSetLinkState_EffectiveTypeDowngradesQuality(t *testing.T) {
	m, _, _ := newMonitor(t, ok)
	m.Probe(context.Background())
	require.Equal(t, netmon.QualityExcellent, m.Status().Quality)

	m.SetLinkState(true, "2g")
	assert.Equal(t, netmon.QualityPoor, m.Status().Quality)
	assert.True(t, m.Online())
}

func TestRun_ProbesUntilCancelled(t *testing.T) {
	var probes atomic.Int32
	m := netmon.New([]netmon.Probe{{Name: "h", Check: func(context.Context) error { probes.Add(1); return nil }}},
		netmon.WithInterval(5*time.Millisecond),
		netmon.WithLinkDetector(func() (bool, string) { return true, "" }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return probes.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
