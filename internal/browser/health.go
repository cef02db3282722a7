package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/wabridge/server/internal/metrics"
)

// ProcessStatus is one liveness sample of the browser process.
type ProcessStatus struct {
	Running bool
	RSS     uint64
}

type ProcessChecker interface {
	Check(ctx context.Context, pid int32) (ProcessStatus, error)
}

type processChecker struct{}

func (processChecker) Check(ctx context.Context, pid int32) (ProcessStatus, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return ProcessStatus{}, nil
	}
	if err != nil {
		return ProcessStatus{}, err
	}

	running, err := p.IsRunningWithContext(ctx)
	if err != nil {
		return ProcessStatus{}, err
	}
	if !running {
		return ProcessStatus{}, nil
	}

	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		// Alive, but memory is unreadable (e.g. permissions).
		return ProcessStatus{Running: true}, nil
	}
	return ProcessStatus{Running: true, RSS: mem.RSS}, nil
}

// Health is the latest browser sample. It is shared by every client a
// factory builds so the health endpoint sees the current one.
type Health struct {
	mu        sync.Mutex
	pid       int32
	running   bool
	rss       uint64
	checkedAt time.Time
	lastErr   string
}

type HealthSnapshot struct {
	PID       int32     `json:"pid"`
	Running   bool      `json:"running"`
	RSSBytes  uint64    `json:"rssBytes"`
	CheckedAt time.Time `json:"checkedAt"`
	LastError string    `json:"lastError,omitempty"`
}

func NewHealth() *Health {
	return &Health{}
}

func (h *Health) record(pid int32, st ProcessStatus, err error, now time.Time) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pid = pid
	h.checkedAt = now
	if err != nil {
		h.lastErr = err.Error()
		return
	}
	h.lastErr = ""
	h.running = st.Running
	h.rss = st.RSS
}

// Snapshot returns a copy of the latest sample.
func (h *Health) Snapshot() HealthSnapshot {
	if h == nil {
		return HealthSnapshot{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthSnapshot{
		PID:       h.pid,
		Running:   h.running,
		RSSBytes:  h.rss,
		CheckedAt: h.checkedAt,
		LastError: h.lastErr,
	}
}

// watchProcess samples pid every interval until ctx ends or the process is
// gone, in which case onExit runs once. Check errors are recorded and the
// watch continues.
func watchProcess(ctx context.Context, pid int32, checker ProcessChecker, interval time.Duration,
	health *Health, m *metrics.Metrics, onExit func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := checker.Check(ctx, pid)
		if ctx.Err() != nil {
			return
		}
		health.record(pid, st, err, time.Now())
		if err != nil {
			continue
		}
		m.SetBrowserRSS(st.RSS)
		if !st.Running {
			onExit()
			return
		}
	}
}
