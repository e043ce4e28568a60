// Package health watches whether the upstream mail servers accept TCP
// connections. Results are reported on the API health endpoint and as a
// gauge; they never influence verdicts.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/migadu/imapauth/logger"
	"github.com/migadu/imapauth/pkg/metrics"
)

type ComponentStatus string

const (
	StatusUnknown   ComponentStatus = "unknown"
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// unhealthyAfter is the number of consecutive failures that turns a degraded
// component unhealthy.
const unhealthyAfter = 3

type Check struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration

	mu          sync.RWMutex
	lastCheck   time.Time
	lastError   error
	status      ComponentStatus
	consecutive int
}

// ComponentState is a snapshot of one check.
type ComponentState struct {
	Status    ComponentStatus `json:"status"`
	LastCheck time.Time       `json:"last_check,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

type Monitor struct {
	mu     sync.RWMutex
	checks map[string]*Check
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]*Check)}
}

// Register adds a check. It must be called before Start.
func (m *Monitor) Register(check *Check) {
	if check.Interval <= 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout <= 0 {
		check.Timeout = 5 * time.Second
	}
	check.status = StatusUnknown

	m.mu.Lock()
	m.checks[check.Name] = check
	m.mu.Unlock()
	metrics.UpstreamHealth.WithLabelValues(check.Name).Set(-1)
}

// Start runs every check once immediately and then on its interval until ctx
// is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, check := range m.checks {
		m.wg.Add(1)
		go m.run(ctx, check)
	}
}

// Stop cancels the checks and waits for them to return.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, check *Check) {
	defer m.wg.Done()

	logger.Info("Health check started", "component", check.Name, "interval", check.Interval)
	m.perform(ctx, check)

	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.perform(ctx, check)
		}
	}
}

// RunOnce performs every check synchronously.
func (m *Monitor) RunOnce(ctx context.Context) {
	m.mu.RLock()
	checks := make([]*Check, 0, len(m.checks))
	for _, c := range m.checks {
		checks = append(checks, c)
	}
	m.mu.RUnlock()

	for _, c := range checks {
		m.perform(ctx, c)
	}
}

func (m *Monitor) perform(ctx context.Context, check *Check) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
		defer cancel()
		err = check.Check(checkCtx)
	}()

	if ctx.Err() != nil {
		return
	}

	check.mu.Lock()
	previous := check.status
	check.lastCheck = time.Now()
	check.lastError = err
	if err != nil {
		check.consecutive++
		if check.consecutive >= unhealthyAfter {
			check.status = StatusUnhealthy
		} else {
			check.status = StatusDegraded
		}
	} else {
		check.consecutive = 0
		check.status = StatusHealthy
	}
	current := check.status
	check.mu.Unlock()

	metrics.UpstreamHealth.WithLabelValues(check.Name).Set(statusValue(current))

	if previous != current {
		if err != nil {
			logger.Warn("Upstream health changed", "component", check.Name, "from", previous, "to", current, "error", err)
		} else {
			logger.Info("Upstream health changed", "component", check.Name, "from", previous, "to", current)
		}
	}
}

func statusValue(s ComponentStatus) float64 {
	switch s {
	case StatusHealthy:
		return 2
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 0
	}
	return -1
}

// Overall returns the worst status among the registered checks.
func (m *Monitor) Overall() ComponentStatus {
	overall := StatusHealthy
	for _, state := range m.Components() {
		switch state.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		case StatusUnknown:
			if overall == StatusHealthy {
				overall = StatusUnknown
			}
		}
	}
	return overall
}

func (m *Monitor) Components() map[string]ComponentState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ComponentState, len(m.checks))
	for name, c := range m.checks {
		c.mu.RLock()
		state := ComponentState{Status: c.status, LastCheck: c.lastCheck}
		if c.lastError != nil {
			state.LastError = c.lastError.Error()
		}
		c.mu.RUnlock()
		out[name] = state
	}
	return out
}

// DialCheck reports whether addr accepts a TCP connection. The connection is
// closed without speaking the protocol.
func DialCheck(name, addr string, interval, timeout time.Duration) *Check {
	return &Check{
		Name:     name,
		Interval: interval,
		Timeout:  timeout,
		Check: func(ctx context.Context) error {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		},
	}
}
