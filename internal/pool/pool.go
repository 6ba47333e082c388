// Package pool implements the reverse proxy's connection pool contract from spec.md §4.5: lease/release against per-origin idle
// connections with TTL expiration. The origin-keyed idle bookkeeping is the
// teacher's internal/proxy/cache.go LRU repurposed to a new domain per
// SPEC_FULL.md §C.1 (response caching is an explicit Non-goal, but the same
// "bounded, TTL-expiring, per-key store" shape fits idle connections well);
// TTL storage itself is backed by go-pkgz/expirable-cache/v3 rather than a
// hand-rolled LRU, since that's an ecosystem library already exercised by
// several pack repos for exactly this kind of expiring key-value bookkeeping.
package pool

import (
	"context"
	"net"
	"sync"
	"time"

	expirable "github.com/go-pkgz/expirable-cache/v3"

	"bifrostbridge/internal/applog"
	"bifrostbridge/internal/config"
	"bifrostbridge/internal/metrics"
)

// originKey identifies a pool partition: scheme, host, port.
type originKey string

func OriginKey(scheme, host string) string { return scheme + "://" + host }

// Handle is a leased connection. Release returns it to the pool (if still
// healthy and within its lifetime) or closes it.
type Handle struct {
	Conn    net.Conn
	origin  string
	pool    *Pool
	fresh   bool
	closed  bool
}

// Fresh reports whether this handle was just dialed (true) or detached from
// an idle slot (false). Callers need this to decide whether a TLS handshake
// is still owed before the connection can be used.
func (h *Handle) Fresh() bool { return h.fresh }

func (h *Handle) Release(reusable bool) {
	if h.closed {
		return
	}
	h.closed = true
	if reusable && h.pool.cfg.Enabled {
		h.pool.put(h.origin, h.Conn)
		return
	}
	h.Conn.Close()
}

type idleConn struct {
	conn      net.Conn
	createdAt time.Time
}

// Pool leases raw net.Conn per origin for the reverse proxy, whose
// connections are returned for reuse when the response fully drained. The
// forward proxy does not use this pool: it dials its CONNECT tunnels
// directly and forwards plain HTTP through its own http.Transport.
type Pool struct {
	cfg   config.PoolConfig
	mu    sync.Mutex
	idle  map[string][]idleConn
	cache expirable.Cache[string, struct{}]
}

func New(cfg config.PoolConfig) *Pool {
	ttl := time.Duration(cfg.IdleTimeoutSecs) * time.Second
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	p := &Pool{
		cfg:  cfg,
		idle: map[string][]idleConn{},
		cache: expirable.NewCache[string, struct{}]().WithTTL(ttl).WithMaxKeys(4096),
	}
	return p
}

// Lease returns an idle connection for origin if one is available, has not
// outlived its idle timeout, and is still within its max lifetime, otherwise
// dials a fresh one.
func (p *Pool) Lease(ctx context.Context, origin, network, address string) (*Handle, error) {
	if p.cfg.Enabled {
		if conn := p.take(origin); conn != nil {
			applog.LogPool(origin, "reuse")
			return &Handle{Conn: conn, origin: origin, pool: p}, nil
		}
	}
	timeout := time.Duration(p.cfg.ConnectTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	applog.LogPool(origin, "dial")
	return &Handle{Conn: conn, origin: origin, pool: p, fresh: true}, nil
}

func (p *Pool) take(origin string) net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := p.idle[origin]
	maxLifetime := time.Duration(p.cfg.MaxConnectionLifetimeSecs) * time.Second
	for len(entries) > 0 {
		e := entries[len(entries)-1]
		entries = entries[:len(entries)-1]
		p.idle[origin] = entries
		key := connKey(origin, e.conn)
		_, unexpired := p.cache.Get(key)
		p.cache.Delete(key)
		if !unexpired || (maxLifetime > 0 && time.Since(e.createdAt) > maxLifetime) {
			e.conn.Close()
			continue
		}
		metrics.SetPoolIdle(origin, len(entries))
		return e.conn
	}
	return nil
}

func (p *Pool) put(origin string, conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle[origin]) >= maxIdlePerHost(p.cfg) {
		conn.Close()
		return
	}
	entry := idleConn{conn: conn, createdAt: time.Now()}
	p.idle[origin] = append(p.idle[origin], entry)
	p.cache.Set(connKey(origin, conn), struct{}{}, 0)
	metrics.SetPoolIdle(origin, len(p.idle[origin]))
	applog.LogPool(origin, "idle")
}

func maxIdlePerHost(cfg config.PoolConfig) int {
	if cfg.MaxIdlePerHost <= 0 {
		return 10
	}
	return cfg.MaxIdlePerHost
}

func connKey(origin string, conn net.Conn) string {
	return origin + "|" + conn.RemoteAddr().String() + "|" + conn.LocalAddr().String()
}

// Sweep evicts idle connections that the expirable cache has aged out. No
// caller in this repository runs it on a schedule; Lease also closes any
// aged-out entry it encounters instead of reusing it.
func (p *Pool) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for origin, entries := range p.idle {
		live := entries[:0]
		for _, e := range entries {
			if _, ok := p.cache.Get(connKey(origin, e.conn)); ok {
				live = append(live, e)
				continue
			}
			e.conn.Close()
		}
		p.idle[origin] = live
		metrics.SetPoolIdle(origin, len(live))
	}
}
