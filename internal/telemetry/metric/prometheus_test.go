package metric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shardmesh/ddrq/internal/ddrq/driver"
	"github.com/shardmesh/ddrq/internal/ddrq/relocation"
)

func TestNewDDRQRegistry(t *testing.T) {
	r := NewDDRQRegistry()
	if r == nil {
		t.Fatal("NewDDRQRegistry() returned nil")
	}
	if r.registry == nil {
		t.Error("registry field is nil")
	}
}

func TestGlobal(t *testing.T) {
	r1 := Global()
	r2 := Global()
	if r1 != r2 {
		t.Error("Global() should return the same instance")
	}
}

func serveMetrics(t *testing.T, r *DDRQRegistry) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestHandlerServesRuntimeMetrics(t *testing.T) {
	r := NewDDRQRegistry()
	body := serveMetrics(t, r)

	if !strings.Contains(body, "go_goroutines") {
		t.Error("expected go_goroutines metric")
	}
	if !strings.Contains(body, "process_") {
		t.Error("expected process_ metrics")
	}
}

func TestObserveSnapshot(t *testing.T) {
	r := NewDDRQRegistry()
	r.Observe(driver.Snapshot{
		ActiveRelocations:    3,
		QueuedRelocations:    12,
		UnhealthyRelocations: 1,
		HighestPriority:      relocation.PriorityTeam0Left,
	})

	body := serveMetrics(t, r)
	if !strings.Contains(body, "ddrq_active_relocations 3") {
		t.Error("expected ddrq_active_relocations 3")
	}
	if !strings.Contains(body, "ddrq_queued_relocations 12") {
		t.Error("expected ddrq_queued_relocations 12")
	}
	if !strings.Contains(body, "ddrq_unhealthy_relocations 1") {
		t.Error("expected ddrq_unhealthy_relocations 1")
	}
}

func TestObserveCompletion(t *testing.T) {
	r := NewDDRQRegistry()
	r.ObserveCompletion(int(relocation.PriorityRecoverMove), 4096)
	r.ObserveCompletion(int(relocation.PriorityRecoverMove), 1024)

	body := serveMetrics(t, r)
	if !strings.Contains(body, "ddrq_bytes_written_total 5120") {
		t.Error("expected ddrq_bytes_written_total 5120")
	}
	if !strings.Contains(body, `ddrq_relocations_completed_total{priority="10"} 2`) {
		t.Error("expected ddrq_relocations_completed_total{priority=\"10\"} 2")
	}
}

func TestSetQueueDepth(t *testing.T) {
	r := NewDDRQRegistry()
	r.SetQueueDepth(int(relocation.PrioritySplitShard), 7)

	body := serveMetrics(t, r)
	if !strings.Contains(body, `ddrq_per_priority_queued{priority="950"} 7`) {
		t.Error("expected ddrq_per_priority_queued{priority=\"950\"} 7")
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	r := NewDDRQRegistry()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				r.Observe(driver.Snapshot{ActiveRelocations: j})
				r.ObserveCompletion(int(relocation.PriorityRecoverMove), 1)
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}
