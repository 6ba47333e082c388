package pool

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"bifrostbridge/internal/applog"
	"bifrostbridge/internal/config"
	"bifrostbridge/internal/metrics"
)

// healthProbeClient is shared across all HTTP-mode probes, grounded on the
// teacher's healthChecker.go singleton http.Client idiom.
var healthProbeClient = &http.Client{}

// HealthChecker background-probes a route's targets and exposes their
// current flag via IsHealthy, implementing selector.HealthView. Per spec.md
// §4.6/§9: a target with no probe yet is treated as healthy ("unknown ==
// healthy until proven otherwise"), and only flips to Unhealthy once a probe
// actually fails.
type HealthChecker struct {
	cfg     config.HealthCheckConfig
	targets []config.Target
	flags   sync.Map // targetID -> *atomic.Bool (true = healthy)

	stop chan struct{}
	once sync.Once
}

func NewHealthChecker(cfg *config.HealthCheckConfig, targets []config.Target) *HealthChecker {
	hc := &HealthChecker{targets: targets, stop: make(chan struct{})}
	if cfg != nil {
		hc.cfg = *cfg
	}
	for _, t := range targets {
		v := &atomic.Bool{}
		v.Store(true)
		hc.flags.Store(t.ID, v)
		metrics.SetTargetHealthy(t.ID, true)
	}
	return hc
}

func (hc *HealthChecker) IsHealthy(targetID string) bool {
	v, ok := hc.flags.Load(targetID)
	if !ok {
		return true
	}
	return v.(*atomic.Bool).Load()
}

// Start launches the probe loop; it is a no-op if health checking is
// disabled for this route. Callers stop it via Stop() during shutdown.
func (hc *HealthChecker) Start(ctx context.Context) {
	if !hc.cfg.Enabled {
		return
	}
	interval := time.Duration(hc.cfg.IntervalSecs) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		hc.probeAll()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hc.stop:
				return
			case <-ticker.C:
				hc.probeAll()
			}
		}
	}()
}

func (hc *HealthChecker) Stop() {
	hc.once.Do(func() { close(hc.stop) })
}

func (hc *HealthChecker) probeAll() {
	for _, t := range hc.targets {
		t := t
		go hc.probeOne(t)
	}
}

func (hc *HealthChecker) probeOne(t config.Target) {
	timeout := time.Duration(hc.cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	var healthy bool
	switch hc.cfg.Mode {
	case "tcp":
		healthy = probeTCP(t.URL, timeout)
	default:
		healthy = probeHTTP(t.URL, hc.cfg.Endpoint, timeout)
	}

	v, _ := hc.flags.LoadOrStore(t.ID, &atomic.Bool{})
	flag := v.(*atomic.Bool)
	changed := flag.Swap(healthy) != healthy
	metrics.SetTargetHealthy(t.ID, healthy)
	if changed {
		applog.LogHealthProbe(t.ID, healthy, hc.cfg.Mode)
	}
}

func probeTCP(target string, timeout time.Duration) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	conn, err := net.DialTimeout("tcp", u.Host, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func probeHTTP(target, endpoint string, timeout time.Duration) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	if endpoint == "" {
		endpoint = "/healthz"
	}
	probeURL := *u
	probeURL.Path = endpoint
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL.String(), nil)
	if err != nil {
		return false
	}
	req.Close = true
	resp, err := healthProbeClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
