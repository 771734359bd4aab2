package health

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPassiveFailuresTripUnhealthyAtThreshold(t *testing.T) {
	c := New(Config{FailureThreshold: 3, SuccessThreshold: 2}, nil)
	c.register("file://does-not-matter")

	for i := 0; i < 2; i++ {
		c.RecordPassive("file://does-not-matter", false)
		if !c.IsHealthy("file://does-not-matter") {
			t.Fatalf("backend went unhealthy after only %d failures, want 3", i+1)
		}
	}
	c.RecordPassive("file://does-not-matter", false)
	if c.IsHealthy("file://does-not-matter") {
		t.Fatal("expected unhealthy after 3 consecutive failures")
	}
}

func TestPassiveSuccessesRecoverAtThreshold(t *testing.T) {
	c := New(Config{FailureThreshold: 1, SuccessThreshold: 2}, nil)
	c.register("file://b")
	c.RecordPassive("file://b", false)
	if c.IsHealthy("file://b") {
		t.Fatal("expected unhealthy after 1 failure with threshold 1")
	}

	c.RecordPassive("file://b", true)
	if !c.IsHealthy("file://b") {
		// still unhealthy: only 1 of 2 required successes
	} else {
		t.Fatal("should not have recovered after only 1 success")
	}
	c.RecordPassive("file://b", true)
	if !c.IsHealthy("file://b") {
		t.Fatal("expected healthy after 2 consecutive successes")
	}
}

func TestOnChangeFiresOncePerEdge(t *testing.T) {
	var mu sync.Mutex
	var edges []bool
	c := New(Config{FailureThreshold: 1, SuccessThreshold: 1}, func(backend string, healthy bool) {
		mu.Lock()
		edges = append(edges, healthy)
		mu.Unlock()
	})
	c.register("file://b")

	c.RecordPassive("file://b", false) // edge: healthy -> unhealthy
	c.RecordPassive("file://b", false) // no edge, already unhealthy
	c.RecordPassive("file://b", true)  // edge: unhealthy -> healthy

	mu.Lock()
	defer mu.Unlock()
	if len(edges) != 2 || edges[0] != false || edges[1] != true {
		t.Errorf("edges = %v, want [false true]", edges)
	}
}

func TestUnregisteredBackendReportsHealthy(t *testing.T) {
	c := New(Config{}, nil)
	if !c.IsHealthy("http://unknown") {
		t.Error("unregistered backend should report healthy")
	}
}

func TestFilterKeepsOnlyHealthy(t *testing.T) {
	c := New(Config{FailureThreshold: 1}, nil)
	c.register("file://a")
	c.register("file://b")
	c.RecordPassive("file://b", false)

	got := c.Filter([]string{"file://a", "file://b"})
	if len(got) != 1 || got[0] != "file://a" {
		t.Errorf("Filter = %v, want [file://a]", got)
	}
}

func TestReconcileDropsStaleBackends(t *testing.T) {
	c := New(Config{}, nil)
	c.Reconcile([]string{"file://a", "file://b"})
	c.Reconcile([]string{"file://a"})

	snap := c.SnapshotAll()
	if _, ok := snap["file://b"]; ok {
		t.Error("expected file://b to be dropped by Reconcile")
	}
	if _, ok := snap["file://a"]; !ok {
		t.Error("expected file://a to remain tracked")
	}
}

func TestFileSchemeBackendsAreNotActivelyProbed(t *testing.T) {
	c := New(Config{Interval: time.Millisecond}, nil)
	c.register("file:///var/www")
	time.Sleep(20 * time.Millisecond)
	if !c.IsHealthy("file:///var/www") {
		t.Error("file:// backend should never be marked unhealthy by active probing")
	}
}

func TestActiveProbeClassifiesExpectedStatus(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		_, _ = reader.ReadString('\n')
		for {
			line, err := reader.ReadString('\n')
			if err != nil || strings.TrimSpace(line) == "" {
				break
			}
		}
		_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	}()

	c := New(Config{Timeout: time.Second, Path: "/", ExpectedStatusMin: 200, ExpectedStatusMax: 399}, nil)
	ok := c.probe("http://" + ln.Addr().String())
	if !ok {
		t.Error("expected probe of 200 response to classify as success")
	}
}

func TestActiveProbeFailsOnConnectError(t *testing.T) {
	c := New(Config{Timeout: 50 * time.Millisecond}, nil)
	ok := c.probe("http://127.0.0.1:1")
	if ok {
		t.Error("expected probe against a closed port to fail")
	}
}
