package browser

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wabridge/server/internal/whatsapp"
)

// scriptedChecker returns samples in order, repeating the last one.
type scriptedChecker struct {
	mu      sync.Mutex
	samples []ProcessStatus
	errs    []error
	calls   int
}

func (c *scriptedChecker) Check(context.Context, int32) (ProcessStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	if i >= len(c.samples) {
		i = len(c.samples) - 1
	}
	return c.samples[i], err
}

func TestWatchProcessReportsExit(t *testing.T) {
	checker := &scriptedChecker{samples: []ProcessStatus{
		{Running: true, RSS: 100 << 20},
		{Running: true, RSS: 120 << 20},
		{Running: false},
	}}
	health := NewHealth()

	exited := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchProcess(context.Background(), 42, checker, time.Millisecond, health, nil, func() { close(exited) })
	}()

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("onExit not called")
	}
	<-done

	snap := health.Snapshot()
	assert.Equal(t, int32(42), snap.PID)
	assert.False(t, snap.Running)
	assert.Empty(t, snap.LastError)
}

func TestWatchProcessKeepsGoingOnError(t *testing.T) {
	checker := &scriptedChecker{
		samples: []ProcessStatus{{}, {Running: true, RSS: 7}},
		errs:    []error{errors.New("permission denied")},
	}
	health := NewHealth()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchProcess(ctx, 1, checker, time.Millisecond, health, nil, func() { t.Error("unexpected exit") })
	}()

	require.Eventually(t, func() bool { return health.Snapshot().RSSBytes == 7 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	snap := health.Snapshot()
	assert.True(t, snap.Running)
	assert.Empty(t, snap.LastError)
}

func TestHealthRecordsError(t *testing.T) {
	h := NewHealth()
	h.record(9, ProcessStatus{Running: true, RSS: 5}, nil, time.Now())
	h.record(9, ProcessStatus{}, errors.New("boom"), time.Now())

	snap := h.Snapshot()
	assert.True(t, snap.Running, "an error keeps the last good sample")
	assert.Equal(t, uint64(5), snap.RSSBytes)
	assert.Equal(t, "boom", snap.LastError)
}

func TestNilHealth(t *testing.T) {
	var h *Health
	h.record(1, ProcessStatus{Running: true}, nil, time.Now())
	assert.Equal(t, HealthSnapshot{}, h.Snapshot())
}

func TestProcessCheckerSelf(t *testing.T) {
	st, err := processChecker{}.Check(context.Background(), int32(os.Getpid()))
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.NotZero(t, st.RSS)
}

func TestFactoryRequiresDataDir(t *testing.T) {
	_, err := NewFactory(Options{})()
	assert.Error(t, err)

	c, err := NewFactory(Options{DataDir: t.TempDir()})()
	require.NoError(t, err)
	assert.Implements(t, (*whatsapp.Client)(nil), c)
	require.NoError(t, c.Close())
}

func TestMergeCancel(t *testing.T) {
	a, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	b, cancelB := context.WithCancel(context.Background())

	ctx, cancel := mergeCancel(a, b)
	defer cancel()

	cancelB()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("merged context not cancelled by second parent")
	}
}
