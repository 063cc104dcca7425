package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecordsPipelineMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollector(registry, "test")

	collector.SessionOpened()
	collector.SessionOpened()
	collector.SessionClosed()
	collector.ConnectionRejected("not_found")
	collector.ConnectionRejected("not_found")
	collector.TurnFinished("completed")
	collector.FinalTranscriptDropped()
	collector.StageFailed("synthesis")
	collector.ObserveTimeToFirstAudio(800 * time.Millisecond)
	collector.OutboundEventDropped()
	collector.HeartbeatTerminated()

	if got := testutil.ToFloat64(collector.activeSessions); got != 1 {
		t.Fatalf("expected one active session, got %v", got)
	}
	if got := testutil.ToFloat64(collector.connectionsRejected.WithLabelValues("not_found")); got != 2 {
		t.Fatalf("expected two not_found rejections, got %v", got)
	}
	if got := testutil.ToFloat64(collector.turnsFinished.WithLabelValues("completed")); got != 1 {
		t.Fatalf("expected one completed turn, got %v", got)
	}
	if got := testutil.ToFloat64(collector.finalsDropped); got != 1 {
		t.Fatalf("expected one dropped final, got %v", got)
	}
	if got := testutil.CollectAndCount(collector.timeToFirstAudio); got != 1 {
		t.Fatalf("expected the latency histogram to be collected, got %d", got)
	}

	server := httptest.NewServer(Handler(registry))
	defer server.Close()
	resp, err := server.Client().Get(server.URL)
	if err != nil {
		t.Fatalf("failed to scrape metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "test_heartbeat_terminations_total 1") {
		t.Fatalf("expected heartbeat terminations in scrape output, got:\n%s", body)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var collector *Collector
	collector.SessionOpened()
	collector.TurnFinished("failed")
	collector.ObserveTimeToFirstAudio(time.Second)
	collector.HeartbeatTerminated()
}
