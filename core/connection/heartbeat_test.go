package connection

import (
	"testing"
	"time"
)

func registeredConn(t *testing.T, m *Manager) *conn {
	t.Helper()
	conns := m.snapshot()
	if len(conns) != 1 {
		t.Fatalf("expected one registered connection, got %d", len(conns))
	}
	return conns[0]
}

func TestHeartbeatTerminatesOnSecondMissedProbe(t *testing.T) {
	fixture := newManagerFixture(t)
	client, pipeline := fixture.connect(t)

	pings := make(chan struct{}, 4)
	client.SetPingHandler(func(string) error {
		pings <- struct{}{}
		return nil
	})
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	fixture.manager.probe()
	select {
	case <-pings:
	case <-time.After(time.Second):
		t.Fatalf("expected a liveness probe")
	}
	time.Sleep(50 * time.Millisecond)
	if pipeline.isStopped() || fixture.manager.Connections() != 1 {
		t.Fatalf("connection must survive the first missed probe")
	}

	fixture.manager.probe()
	waitForCondition(t, time.Second, pipeline.isStopped)
	waitForCondition(t, time.Second, func() bool { return fixture.manager.Connections() == 0 })

	fixture.metrics.mu.Lock()
	defer fixture.metrics.mu.Unlock()
	if fixture.metrics.terminated != 1 {
		t.Fatalf("expected one heartbeat termination, got %d", fixture.metrics.terminated)
	}
}

func TestHeartbeatKeepsResponsiveConnection(t *testing.T) {
	fixture := newManagerFixture(t)
	client, pipeline := fixture.connect(t)

	// The default ping handler answers with a pong while the client reads.
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	c := registeredConn(t, fixture.manager)
	for range 3 {
		fixture.manager.probe()
		waitForCondition(t, time.Second, c.alive.Load)
	}

	if pipeline.isStopped() || fixture.manager.Connections() != 1 {
		t.Fatalf("expected responsive connection to stay open")
	}
}

func TestHeartbeatTickerProbesConnections(t *testing.T) {
	fixture := newManagerFixture(t, WithHeartbeatInterval(20*time.Millisecond))
	client, pipeline := fixture.connect(t)
	client.SetPingHandler(func(string) error { return nil })
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() { _ = fixture.manager.Run(t.Context()) }()

	waitForCondition(t, time.Second, pipeline.isStopped)
	waitForCondition(t, time.Second, func() bool { return fixture.manager.Connections() == 0 })
}
