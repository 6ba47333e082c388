package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"bifrostbridge/internal/config"
)

func startEchoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln
}

func TestLeaseDialsFreshWhenPoolEmpty(t *testing.T) {
	ln := startEchoListener(t)
	defer ln.Close()

	p := New(config.PoolConfig{Enabled: true, MaxIdlePerHost: 2, IdleTimeoutSecs: 5, ConnectTimeoutSecs: 1})
	h, err := p.Lease(context.Background(), "test-origin", "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if h.Conn == nil {
		t.Fatal("expected a connection")
	}
}

func TestReleaseReturnsConnectionToPoolForReuse(t *testing.T) {
	ln := startEchoListener(t)
	defer ln.Close()

	p := New(config.PoolConfig{Enabled: true, MaxIdlePerHost: 2, IdleTimeoutSecs: 5, ConnectTimeoutSecs: 1})
	h1, err := p.Lease(context.Background(), "test-origin", "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	h1.Release(true)

	h2, err := p.Lease(context.Background(), "test-origin", "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if h2.fresh {
		t.Fatal("expected second lease to reuse the pooled connection, not dial fresh")
	}
}

func TestHealthCheckerDefaultsToHealthyBeforeFirstProbe(t *testing.T) {
	hc := NewHealthChecker(&config.HealthCheckConfig{Enabled: false}, []config.Target{{ID: "unknown-target"}})
	if !hc.IsHealthy("unknown-target") {
		t.Fatal("expected target to be healthy before any probe runs")
	}
	if !hc.IsHealthy("never-registered") {
		t.Fatal("expected unregistered target ids to default to healthy")
	}
}

func TestHealthCheckerTCPProbeFlipsUnhealthyOnRefusedConnection(t *testing.T) {
	hc := NewHealthChecker(&config.HealthCheckConfig{
		Enabled:      true,
		Mode:         "tcp",
		IntervalSecs: 60,
		TimeoutSecs:  1,
	}, []config.Target{{ID: "dead", URL: "http://127.0.0.1:1"}})

	hc.probeOne(config.Target{ID: "dead", URL: "http://127.0.0.1:1"})
	if hc.IsHealthy("dead") {
		t.Fatal("expected probe against a closed port to mark the target unhealthy")
	}
}

func TestHealthCheckerTCPProbeStaysHealthyWhenReachable(t *testing.T) {
	ln := startEchoListener(t)
	defer ln.Close()

	target := config.Target{ID: "live", URL: "http://" + ln.Addr().String()}
	hc := NewHealthChecker(&config.HealthCheckConfig{
		Enabled:      true,
		Mode:         "tcp",
		IntervalSecs: 60,
		TimeoutSecs:  1,
	}, []config.Target{target})

	hc.probeOne(target)
	if !hc.IsHealthy("live") {
		t.Fatal("expected probe against a reachable target to stay healthy")
	}
}

func TestSweepEvictsExpiredIdleConnections(t *testing.T) {
	ln := startEchoListener(t)
	defer ln.Close()

	p := New(config.PoolConfig{Enabled: true, MaxIdlePerHost: 2, IdleTimeoutSecs: 1, ConnectTimeoutSecs: 1})
	h, err := p.Lease(context.Background(), "origin", "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	h.Release(true)

	time.Sleep(1200 * time.Millisecond)
	p.Sweep()

	if len(p.idle["origin"]) != 0 {
		t.Fatalf("expected expired idle connections to be swept, got %d remaining", len(p.idle["origin"]))
	}
}
