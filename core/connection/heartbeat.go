package connection

import (
	"context"
	"time"
)

const defaultHeartbeatInterval = 30 * time.Second

// Run drives the heartbeat until ctx is done or Shutdown is called. One
// ticker serves every connection of the manager.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stopHeartbeat:
			return nil
		case <-ticker.C:
			m.probe()
		}
	}
}

// probe runs one heartbeat round. A connection is terminated when it did not
// answer the probe of the previous round, so it always gets one full
// interval to respond.
func (m *Manager) probe() {
	for _, c := range m.snapshot() {
		if c.ping() {
			continue
		}
		logger.Info("terminating unresponsive connection", "session_id", c.sessionID, "connection_id", c.id)
		m.metrics.HeartbeatTerminated()
		go c.teardown(closeHeartbeatTimeout, closeReasonHeartbeat)
	}
}
