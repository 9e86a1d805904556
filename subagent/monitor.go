package subagent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Monitor polling defaults.
const (
	DefaultMonitorInterval = 2 * time.Second
	DefaultMonitorTimeout  = 5 * time.Minute
)

// MonitorCallback receives the monitor outcome: met=true with the worker's
// details when the condition fired, met=false with a reason when the
// monitor timed out.
type MonitorCallback func(met bool, details map[string]any)

// monitor is one background condition poll loop. Monitors are scheduled
// independently of any execution plan and are cancelled individually and
// immediately, not at phase boundaries.
type monitor struct {
	id            string
	conditionType string
	target        string
	interval      time.Duration
	timeout       time.Duration
	startedAt     time.Time
	cancel        context.CancelFunc
}

// StartBackgroundMonitor launches a poll loop that asks the background
// worker family about a condition on every tick. The callback fires exactly
// once: with true when the condition is met, with false when the monitor's
// own timeout elapses first. The returned id stops the monitor.
func (m *Manager) StartBackgroundMonitor(ctx context.Context, conditionType, target string, callback MonitorCallback, interval, timeout time.Duration) string {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if timeout <= 0 {
		timeout = DefaultMonitorTimeout
	}

	monCtx, cancel := context.WithCancel(ctx)
	mon := &monitor{
		id:            "mon-" + uuid.NewString(),
		conditionType: conditionType,
		target:        target,
		interval:      interval,
		timeout:       timeout,
		startedAt:     time.Now(),
		cancel:        cancel,
	}

	m.mu.Lock()
	m.monitors[mon.id] = mon
	m.mu.Unlock()
	m.mx.MonitorStarted()

	go m.runMonitor(monCtx, mon, callback)

	m.logger.Info("background monitor started",
		"monitor_id", mon.id,
		"condition", conditionType,
		"target", target,
		"interval", interval,
		"timeout", timeout)
	return mon.id
}

// runMonitor drives one monitor until its condition fires, it times out, or
// it is stopped.
func (m *Manager) runMonitor(ctx context.Context, mon *monitor, callback MonitorCallback) {
	defer m.removeMonitor(mon.id)

	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()

	deadline := time.NewTimer(mon.timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			m.logger.Info("background monitor timed out", "monitor_id", mon.id)
			callback(false, map[string]any{"reason": "timeout"})
			return
		case <-ticker.C:
			res := m.CallSingle(ctx, FamilyBackground, map[string]any{
				"condition_type": mon.conditionType,
				"target":         mon.target,
			}, mon.interval)
			if !res.Success || res.Result == nil {
				continue
			}
			if met, ok := res.Result["condition_met"].(bool); ok && met {
				details, _ := res.Result["details"].(map[string]any)
				m.logger.Info("background monitor condition met", "monitor_id", mon.id)
				callback(true, details)
				return
			}
		}
	}
}

// StopBackgroundMonitor cancels a monitor's loop. Idempotent: stopping an
// unknown or already-finished monitor is a no-op.
func (m *Manager) StopBackgroundMonitor(id string) {
	m.mu.Lock()
	mon, ok := m.monitors[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	mon.cancel()
	m.logger.Info("background monitor stopped", "monitor_id", id)
}

// StopAllMonitors cancels every running monitor. Used at shutdown.
func (m *Manager) StopAllMonitors() {
	m.mu.Lock()
	monitors := make([]*monitor, 0, len(m.monitors))
	for _, mon := range m.monitors {
		monitors = append(monitors, mon)
	}
	m.mu.Unlock()

	for _, mon := range monitors {
		mon.cancel()
	}
}

// ActiveMonitors returns the ids of monitors still running.
func (m *Manager) ActiveMonitors() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.monitors))
	for id := range m.monitors {
		ids = append(ids, id)
	}
	return ids
}

// removeMonitor forgets a finished monitor.
func (m *Manager) removeMonitor(id string) {
	m.mu.Lock()
	if _, ok := m.monitors[id]; ok {
		delete(m.monitors, id)
		m.mu.Unlock()
		m.mx.MonitorStopped()
		return
	}
	m.mu.Unlock()
}
