package legacy

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/dashboard/internal/session"
)

const (
	// DefaultPollInterval is how often the client state is sampled.
	DefaultPollInterval = 30 * time.Second
	// stateTimeout bounds a single state query.
	stateTimeout = 10 * time.Second
	// StateTimeout is reported when the client does not answer in time.
	StateTimeout = "TIMEOUT"
)

// StatusSource is what the monitor polls.
type StatusSource interface {
	State(ctx context.Context) (string, error)
	IsConnected() bool
	Identity() session.Identity
}

// Monitor samples the connection state and broadcasts connection_status
// whenever it changes.
type Monitor struct {
	source   StatusSource
	hub      session.Broadcaster
	interval time.Duration
	log      logrus.FieldLogger

	mu        sync.RWMutex
	running   bool
	stop      context.CancelFunc
	done      chan struct{}
	lastState string
	lastCheck time.Time
	checks    int
	changes   int
	timeouts  int
}

// NewMonitor returns a stopped monitor.
func NewMonitor(source StatusSource, hub session.Broadcaster, interval time.Duration, logger logrus.FieldLogger) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Monitor{
		source:   source,
		hub:      hub,
		interval: interval,
		log:      logger.WithField("component", "legacy-monitor"),
	}
}

// Start begins polling until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.stop = cancel
	m.done = make(chan struct{})
	m.log.Infof("[MONITOR] Starting connection monitor (check every %v)", m.interval)
	go m.loop(ctx, m.done)
}

// Stop halts polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	stop()
	<-done
	m.log.Info("[MONITOR] Connection monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check samples the state once and broadcasts it if it changed. It returns
// the sampled state.
func (m *Monitor) Check(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, stateTimeout)
	state, err := m.source.State(ctx)
	cancel()
	if err != nil {
		m.log.WithError(err).Debug("[MONITOR] State query failed")
		state = StateTimeout
	}

	m.mu.Lock()
	m.checks++
	m.lastCheck = time.Now()
	if state == StateTimeout {
		m.timeouts++
	}
	changed := state != m.lastState
	if changed {
		m.changes++
		m.lastState = state
	}
	m.mu.Unlock()

	if !changed {
		return state
	}

	status := session.StatusFromState(state)
	connected := status == session.StatusConnected && m.source.IsConnected()
	if status == session.StatusConnected && !connected {
		status = session.StatusConnecting
	}
	var info map[string]any
	if connected {
		info = sessionInfo(m.source.Identity())
	}
	m.log.WithField("state", state).Info("[MONITOR] Connection state changed")
	m.hub.Broadcast(session.EventConnectionStatus, map[string]any{
		"connected":   connected,
		"state":       state,
		"status":      status,
		"sessionInfo": info,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"isRealTime":  true,
	})
	return state
}

// Stats returns polling counters for the health endpoint.
func (m *Monitor) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]any{
		"running":        m.running,
		"check_interval": m.interval.String(),
		"checks":         m.checks,
		"state_changes":  m.changes,
		"timeouts":       m.timeouts,
		"last_state":     m.lastState,
	}
	if !m.lastCheck.IsZero() {
		stats["last_check"] = m.lastCheck.UTC().Format(time.RFC3339)
	}
	return stats
}
