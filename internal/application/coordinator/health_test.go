package coordinator

import (
	"testing"
	"time"

	"github.com/DNYoussef/spek-swarm-go/internal/infrastructure/events"
	"github.com/DNYoussef/spek-swarm-go/internal/shared"
)

func newTestMonitor(config HealthMonitorConfig) *HealthMonitor {
	if config.CheckInterval == 0 {
		config.CheckInterval = time.Second
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = time.Second
	}
	return NewHealthMonitor(config, nil)
}

func TestHealthMonitor_StartsWithAllDomainsHealthy(t *testing.T) {
	hm := newTestMonitor(HealthMonitorConfig{})

	healthy := hm.HealthyDomains()
	if len(healthy) != len(shared.AllPrincessDomains()) {
		t.Fatalf("expected all %d domains healthy, got %d", len(shared.AllPrincessDomains()), len(healthy))
	}

	for _, domain := range shared.AllPrincessDomains() {
		if !hm.IsHealthy(domain) {
			t.Fatalf("expected domain %s to start healthy", domain)
		}
	}
}

func TestHealthMonitor_ConsecutiveFailuresMarkUnhealthy(t *testing.T) {
	hm := newTestMonitor(HealthMonitorConfig{MaxConsecutiveFailures: 3})

	hm.ReportFailure(shared.DomainSecurity)
	hm.ReportFailure(shared.DomainSecurity)
	if !hm.IsHealthy(shared.DomainSecurity) {
		t.Fatal("two failures should not mark the worker unhealthy")
	}

	hm.ReportFailure(shared.DomainSecurity)
	if hm.IsHealthy(shared.DomainSecurity) {
		t.Fatal("third consecutive failure should mark the worker unhealthy")
	}

	snapshot := hm.CheckHealth()
	if snapshot[shared.DomainSecurity] {
		t.Fatal("expected health snapshot to reflect the unhealthy worker")
	}
	if !snapshot[shared.DomainDevelopment] {
		t.Fatal("expected unaffected domains to stay healthy in the snapshot")
	}

	hm.ReportSuccess(shared.DomainSecurity)
	if !hm.IsHealthy(shared.DomainSecurity) {
		t.Fatal("successful execution should restore the worker")
	}

	state, ok := hm.WorkerState(shared.DomainSecurity)
	if !ok {
		t.Fatal("expected worker state for security domain")
	}
	if state.ConsecutiveFailures != 0 {
		t.Fatalf("expected failure streak reset, got %d", state.ConsecutiveFailures)
	}
}

func TestHealthMonitor_SuccessInterruptsFailureStreak(t *testing.T) {
	hm := newTestMonitor(HealthMonitorConfig{MaxConsecutiveFailures: 3})

	hm.ReportFailure(shared.DomainResearch)
	hm.ReportFailure(shared.DomainResearch)
	hm.ReportSuccess(shared.DomainResearch)
	hm.ReportFailure(shared.DomainResearch)
	hm.ReportFailure(shared.DomainResearch)

	if !hm.IsHealthy(shared.DomainResearch) {
		t.Fatal("interleaved success should have reset the failure streak")
	}
}

func TestHealthMonitor_StaleHeartbeatMarksUnhealthy(t *testing.T) {
	hm := newTestMonitor(HealthMonitorConfig{HeartbeatInterval: 10 * time.Millisecond})

	time.Sleep(30 * time.Millisecond)
	hm.CheckNow()

	for _, domain := range shared.AllPrincessDomains() {
		if hm.IsHealthy(domain) {
			t.Fatalf("expected domain %s unhealthy after stale heartbeat", domain)
		}
	}

	hm.Heartbeat(shared.DomainDevelopment)
	if !hm.IsHealthy(shared.DomainDevelopment) {
		t.Fatal("fresh heartbeat should restore a stale worker")
	}
	if hm.IsHealthy(shared.DomainQuality) {
		t.Fatal("domains without a heartbeat should stay unhealthy")
	}
}

func TestHealthMonitor_HeartbeatDoesNotRestoreFailingWorker(t *testing.T) {
	hm := newTestMonitor(HealthMonitorConfig{MaxConsecutiveFailures: 3})

	for i := 0; i < 3; i++ {
		hm.ReportFailure(shared.DomainInfrastructure)
	}
	if hm.IsHealthy(shared.DomainInfrastructure) {
		t.Fatal("expected worker unhealthy after failure streak")
	}

	hm.Heartbeat(shared.DomainInfrastructure)
	if hm.IsHealthy(shared.DomainInfrastructure) {
		t.Fatal("heartbeat alone should not clear a failure streak")
	}

	hm.ReportSuccess(shared.DomainInfrastructure)
	if !hm.IsHealthy(shared.DomainInfrastructure) {
		t.Fatal("success should restore the worker")
	}
}

func TestHealthMonitor_EmitsHealthChangedEvents(t *testing.T) {
	bus := events.New()
	defer bus.Close()

	ch := bus.Subscribe(shared.EventHealthChanged)

	hm := NewHealthMonitor(HealthMonitorConfig{
		CheckInterval:          time.Second,
		HeartbeatInterval:      time.Second,
		MaxConsecutiveFailures: 1,
	}, bus)

	hm.ReportFailure(shared.DomainCoordination)

	select {
	case event := <-ch:
		if event.Type != shared.EventHealthChanged {
			t.Fatalf("expected health:changed event, got %s", event.Type)
		}
		if event.Payload["domain"] != string(shared.DomainCoordination) {
			t.Fatalf("expected coordination domain in payload, got %v", event.Payload["domain"])
		}
		if event.Payload["healthy"] != false {
			t.Fatalf("expected healthy=false in payload, got %v", event.Payload["healthy"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for health:changed event")
	}
}

func TestHealthMonitor_AlertHistoryIsCapped(t *testing.T) {
	hm := newTestMonitor(HealthMonitorConfig{
		MaxConsecutiveFailures: 1,
		MaxAlerts:              5,
	})

	for i := 0; i < 10; i++ {
		hm.ReportFailure(shared.DomainDevelopment)
		hm.ReportSuccess(shared.DomainDevelopment)
	}

	alerts := hm.Alerts(0)
	if len(alerts) > 5 {
		t.Fatalf("expected at most 5 alerts, got %d", len(alerts))
	}
	if len(alerts) == 0 {
		t.Fatal("expected transition alerts to be recorded")
	}
}
