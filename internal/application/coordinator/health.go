// Package coordinator provides swarm coordination functionality.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DNYoussef/spek-swarm-go/internal/infrastructure/events"
	"github.com/DNYoussef/spek-swarm-go/internal/shared"
)

// HealthMonitor tracks liveness for the fixed set of domain workers. A worker
// is unhealthy once its heartbeat goes stale or it fails too many executions
// in a row; consensus eligibility is recomputed from this state on every
// evaluation, so transitions here immediately change quorum arithmetic.
type HealthMonitor struct {
	workers map[shared.PrincessDomain]*workerHealth
	alerts  []HealthAlert
	config  HealthMonitorConfig
	bus     *events.EventBus
	mu      sync.RWMutex

	// Background monitoring
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type workerHealth struct {
	domain              shared.PrincessDomain
	healthy             bool
	lastHeartbeat       int64
	consecutiveFailures int
}

// HealthMonitorConfig holds configuration for the health monitor.
type HealthMonitorConfig struct {
	CheckInterval          time.Duration // How often to sweep for stale heartbeats
	HeartbeatInterval      time.Duration // Expected heartbeat cadence; stale after 2x
	MaxConsecutiveFailures int           // Failures in a row before a worker is unhealthy
	MaxAlerts              int           // Maximum number of alerts to keep
}

// DefaultHealthMonitorConfig returns the default health monitor configuration.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		CheckInterval:          5 * time.Second,
		HeartbeatInterval:      30 * time.Second,
		MaxConsecutiveFailures: 3,
		MaxAlerts:              100,
	}
}

// HealthAlert records one health transition or warning.
type HealthAlert struct {
	ID        string
	Level     AlertLevel
	Domain    shared.PrincessDomain
	Message   string
	Timestamp int64
}

// AlertLevel represents the severity of a health alert.
type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// NewHealthMonitor creates a monitor with every domain registered healthy.
func NewHealthMonitor(config HealthMonitorConfig, bus *events.EventBus) *HealthMonitor {
	if config.CheckInterval <= 0 {
		config.CheckInterval = 5 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = 3
	}
	if config.MaxAlerts <= 0 {
		config.MaxAlerts = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	hm := &HealthMonitor{
		workers: make(map[shared.PrincessDomain]*workerHealth),
		alerts:  make([]HealthAlert, 0),
		config:  config,
		bus:     bus,
		ctx:     ctx,
		cancel:  cancel,
	}

	now := shared.Now()
	for _, domain := range shared.AllPrincessDomains() {
		hm.workers[domain] = &workerHealth{
			domain:        domain,
			healthy:       true,
			lastHeartbeat: now,
		}
	}

	return hm
}

// Start begins background staleness sweeps.
func (hm *HealthMonitor) Start() {
	hm.wg.Add(1)
	go hm.monitorLoop()
}

// Stop stops the health monitor.
func (hm *HealthMonitor) Stop() {
	hm.cancel()
	hm.wg.Wait()
}

// monitorLoop runs the background health monitoring loop.
func (hm *HealthMonitor) monitorLoop() {
	defer hm.wg.Done()

	ticker := time.NewTicker(hm.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.C:
			hm.CheckNow()
		}
	}
}

// CheckNow runs one synchronous staleness sweep. A worker whose last
// heartbeat is older than twice the heartbeat interval is marked unhealthy.
func (hm *HealthMonitor) CheckNow() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	now := shared.Now()
	staleAfter := 2 * hm.config.HeartbeatInterval.Milliseconds()

	for _, worker := range hm.workers {
		if worker.healthy && now-worker.lastHeartbeat > staleAfter {
			hm.markUnhealthyLocked(worker, "heartbeat timeout")
		}
	}
}

// Heartbeat records a liveness signal from a domain worker. A fresh heartbeat
// restores health unless the worker is still over the failure threshold.
func (hm *HealthMonitor) Heartbeat(domain shared.PrincessDomain) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	worker, ok := hm.workers[domain]
	if !ok {
		return
	}

	worker.lastHeartbeat = shared.Now()
	if !worker.healthy && worker.consecutiveFailures < hm.config.MaxConsecutiveFailures {
		hm.markHealthyLocked(worker, "heartbeat resumed")
	}
}

// ReportFailure records a failed execution. Crossing the consecutive-failure
// threshold flips the worker unhealthy.
func (hm *HealthMonitor) ReportFailure(domain shared.PrincessDomain) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	worker, ok := hm.workers[domain]
	if !ok {
		return
	}

	worker.consecutiveFailures++
	if worker.healthy && worker.consecutiveFailures >= hm.config.MaxConsecutiveFailures {
		hm.markUnhealthyLocked(worker, "consecutive execution failures")
	}
}

// ReportSuccess records a successful execution, clearing the failure streak
// and restoring eligibility.
func (hm *HealthMonitor) ReportSuccess(domain shared.PrincessDomain) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	worker, ok := hm.workers[domain]
	if !ok {
		return
	}

	worker.consecutiveFailures = 0
	worker.lastHeartbeat = shared.Now()
	if !worker.healthy {
		hm.markHealthyLocked(worker, "execution succeeded")
	}
}

// markUnhealthyLocked flips a worker unhealthy (caller must hold lock).
func (hm *HealthMonitor) markUnhealthyLocked(worker *workerHealth, reason string) {
	worker.healthy = false
	hm.addAlertLocked(HealthAlert{
		ID:        uuid.New().String(),
		Level:     AlertLevelCritical,
		Domain:    worker.domain,
		Message:   "Worker marked unhealthy: " + reason,
		Timestamp: shared.Now(),
	})
	if hm.bus != nil {
		hm.bus.EmitHealthChanged(worker.domain, false, reason)
	}
}

// markHealthyLocked flips a worker healthy (caller must hold lock).
func (hm *HealthMonitor) markHealthyLocked(worker *workerHealth, reason string) {
	worker.healthy = true
	hm.addAlertLocked(HealthAlert{
		ID:        uuid.New().String(),
		Level:     AlertLevelWarning,
		Domain:    worker.domain,
		Message:   "Worker recovered: " + reason,
		Timestamp: shared.Now(),
	})
	if hm.bus != nil {
		hm.bus.EmitHealthChanged(worker.domain, true, reason)
	}
}

// addAlertLocked adds an alert (caller must hold lock).
func (hm *HealthMonitor) addAlertLocked(alert HealthAlert) {
	hm.alerts = append(hm.alerts, alert)

	// Trim old alerts if over limit
	if len(hm.alerts) > hm.config.MaxAlerts {
		hm.alerts = hm.alerts[len(hm.alerts)-hm.config.MaxAlerts:]
	}
}

// IsHealthy reports whether a domain worker is currently eligible.
func (hm *HealthMonitor) IsHealthy(domain shared.PrincessDomain) bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	worker, ok := hm.workers[domain]
	return ok && worker.healthy
}

// HealthyDomains returns the currently healthy domains in fixed set order.
func (hm *HealthMonitor) HealthyDomains() []shared.PrincessDomain {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	healthy := make([]shared.PrincessDomain, 0, len(hm.workers))
	for _, domain := range shared.AllPrincessDomains() {
		if worker, ok := hm.workers[domain]; ok && worker.healthy {
			healthy = append(healthy, domain)
		}
	}
	return healthy
}

// CheckHealth returns the current per-domain health snapshot. The snapshot is
// recomputed on every call and never blocks.
func (hm *HealthMonitor) CheckHealth() map[shared.PrincessDomain]bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	health := make(map[shared.PrincessDomain]bool, len(hm.workers))
	for domain, worker := range hm.workers {
		health[domain] = worker.healthy
	}
	return health
}

// WorkerState returns a copy of one worker's health state.
func (hm *HealthMonitor) WorkerState(domain shared.PrincessDomain) (shared.DomainWorkerState, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	worker, ok := hm.workers[domain]
	if !ok {
		return shared.DomainWorkerState{}, false
	}

	return shared.DomainWorkerState{
		Domain:              worker.domain,
		Healthy:             worker.healthy,
		LastHeartbeat:       worker.lastHeartbeat,
		ConsecutiveFailures: worker.consecutiveFailures,
	}, true
}

// AllWorkerStates returns health state copies for every domain.
func (hm *HealthMonitor) AllWorkerStates() map[shared.PrincessDomain]shared.DomainWorkerState {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	result := make(map[shared.PrincessDomain]shared.DomainWorkerState, len(hm.workers))
	for domain, worker := range hm.workers {
		result[domain] = shared.DomainWorkerState{
			Domain:              worker.domain,
			Healthy:             worker.healthy,
			LastHeartbeat:       worker.lastHeartbeat,
			ConsecutiveFailures: worker.consecutiveFailures,
		}
	}
	return result
}

// Alerts returns the most recent alerts, newest last.
func (hm *HealthMonitor) Alerts(limit int) []HealthAlert {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	if limit <= 0 || limit > len(hm.alerts) {
		limit = len(hm.alerts)
	}

	start := len(hm.alerts) - limit
	result := make([]HealthAlert, limit)
	copy(result, hm.alerts[start:])
	return result
}
