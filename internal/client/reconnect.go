package client

import (
	"sync"
	"time"

	"beamnet/pkg/retry"
)

// ReconnectManager tracks the backoff schedule across dropped connections.
// The first retry waits the initial delay, each further retry doubles it up
// to the cap, and after the attempt budget is spent Next reports exhaustion.
type ReconnectManager struct {
	mu      sync.Mutex
	cfg     retry.Config
	attempt int
	timer   *time.Timer
}

// NewReconnectManager builds a manager with the standard schedule:
// 1s initial delay, doubling per attempt, capped at 15s, 10 attempts.
func NewReconnectManager() *ReconnectManager {
	return &ReconnectManager{
		cfg: retry.Config{
			MaxAttempts:  10,
			InitialDelay: time.Second,
			MaxDelay:     15 * time.Second,
			Multiplier:   2,
		},
	}
}

// NewReconnectManagerWith builds a manager with a custom schedule.
func NewReconnectManagerWith(cfg retry.Config) *ReconnectManager {
	return &ReconnectManager{cfg: cfg}
}

// Next returns the delay before the upcoming attempt and consumes one attempt
// from the budget. ok is false once the budget is exhausted.
func (m *ReconnectManager) Next() (delay time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt >= m.cfg.MaxAttempts {
		return 0, false
	}
	delay = retry.Delay(m.cfg, m.attempt)
	m.attempt++
	return delay, true
}

// Schedule arms a timer that calls fn after delay. A previously armed timer
// is cancelled first, so at most one attempt is pending at a time.
func (m *ReconnectManager) Schedule(delay time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(delay, fn)
}

// Reset clears the attempt counter after a successful reconnection so a later
// drop starts the schedule from the beginning.
func (m *ReconnectManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt = 0
}

// Cancel stops any pending attempt. Used on voluntary shutdown.
func (m *ReconnectManager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Attempt reports how many attempts have been consumed since the last reset.
func (m *ReconnectManager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}
