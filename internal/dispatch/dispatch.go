// Package dispatch is the Listener/Dispatcher component from spec.md's data
// flow section: bind a TCP or TLS socket, accept connections, and route each
// request to the engine selected by the configured mode. In combined mode it
// tries a static mount first and falls through to the reverse engine when no
// mount matches, exactly as spec.md §4.6 "Mount resolution" describes.
// Bind/serve/shutdown follow the teacher's cmd/server/main.go + tls.go
// (self-signed-cert fallback, http.Server field tuning); graceful shutdown
// via context + os/signal is new, since the teacher never stops its server.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bifrostbridge/internal/applog"
	"bifrostbridge/internal/config"
	"bifrostbridge/internal/forwardproxy"
	"bifrostbridge/internal/ratelimit"
	"bifrostbridge/internal/requestid"
	"bifrostbridge/internal/reverseproxy"
	"bifrostbridge/internal/staticfiles"
	"bifrostbridge/internal/tlsutil"
)

// Dispatcher is the root http.Handler installed on the listener. Exactly the
// engines required by Mode are constructed; the others are nil.
type Dispatcher struct {
	mode    config.Mode
	forward *forwardproxy.Engine
	reverse *reverseproxy.Engine
	static  *staticfiles.Engine
}

// New builds every engine named by snapshot.Mode, sharing one RateLimiter and
// one ConnectionPool-backed reverse engine across the process per spec.md §2.
func New(snapshot *config.Snapshot) (*Dispatcher, error) {
	var limiter *ratelimit.Limiter
	if len(snapshot.RateLimiting.Rules) > 0 || snapshot.RateLimiting.Default != nil {
		limiter = ratelimit.New(snapshot.RateLimiting)
	}

	d := &Dispatcher{mode: snapshot.Mode}

	switch snapshot.Mode {
	case config.ModeForward:
		d.forward = forwardproxy.New(snapshot.ForwardProxy, snapshot.WebSocket, wsIdleTimeout(snapshot.WebSocket), limiter)
	case config.ModeReverse:
		rev, err := reverseproxy.New(snapshot.ReverseProxy, snapshot.WebSocket, snapshot.ConnectionPool, limiter)
		if err != nil {
			return nil, fmt.Errorf("dispatch: build reverse engine: %w", err)
		}
		d.reverse = rev
	case config.ModeStatic:
		d.static = staticfiles.New(snapshot.StaticFiles, limiter)
	case config.ModeCombined:
		d.static = staticfiles.New(snapshot.StaticFiles, limiter)
		rev, err := reverseproxy.New(snapshot.ReverseProxy, snapshot.WebSocket, snapshot.ConnectionPool, limiter)
		if err != nil {
			return nil, fmt.Errorf("dispatch: build reverse engine: %w", err)
		}
		d.reverse = rev
	default:
		return nil, fmt.Errorf("dispatch: unknown mode %q", snapshot.Mode)
	}

	return d, nil
}

// Start launches background workers (health probers) owned by the
// constructed engines. Call once after New, before Serve.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.reverse != nil {
		d.reverse.Start(ctx)
	}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestid.Ensure(r)

	switch d.mode {
	case config.ModeForward:
		d.forward.ServeHTTP(w, r)
	case config.ModeReverse:
		d.reverse.ServeHTTP(w, r)
	case config.ModeStatic:
		d.static.ServeHTTP(w, r)
	case config.ModeCombined:
		if d.static.Match(r.URL.Path) != nil {
			d.static.ServeHTTP(w, r)
			return
		}
		d.reverse.ServeHTTP(w, r)
	}
}

func wsIdleTimeout(ws config.WebSocketConfig) time.Duration {
	if ws.IdleTimeoutSecs <= 0 {
		return 90 * time.Second
	}
	return time.Duration(ws.IdleTimeoutSecs) * time.Second
}

// Server binds snapshot.ListenAddr (plain TCP or TLS, per snapshot.TLS) and
// serves the Dispatcher behind admission control and a /metrics endpoint,
// mirroring the teacher's single-listener-serves-everything shape
// (cmd/server/main.go registers /metrics and the proxy handler on one mux).
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

func NewServer(snapshot *config.Snapshot, dispatcher *Dispatcher) (*Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/", withAdmissionControl(dispatcher, snapshot.WorkerThreads, snapshot.WorkerThreads*10))

	httpServer := &http.Server{
		Addr:              snapshot.ListenAddr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    maxHeaderBytes(snapshot.MaxHeaderSize),
	}

	if snapshot.TLS.Enabled {
		tlsCfg, err := tlsutil.ServerConfig(snapshot.TLS.Certificate, snapshot.TLS.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("dispatch: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}

	ln, err := net.Listen("tcp", snapshot.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("dispatch: listen %s: %w", snapshot.ListenAddr, err)
	}
	if snapshot.TLS.Enabled {
		ln = newTLSListener(ln, httpServer.TLSConfig)
	}

	return &Server{httpServer: httpServer, listener: ln}, nil
}

func maxHeaderBytes(configured int) int {
	if configured <= 0 {
		return http.DefaultMaxHeaderBytes
	}
	return configured
}

// Serve blocks until the listener is closed or ctx is cancelled, at which
// point it drives a bounded graceful shutdown (spec.md §5).
func (s *Server) Serve(ctx context.Context, gracePeriod time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		applog.Emit("info", "dispatch", nil, fmt.Sprintf("listening on %s", s.listener.Addr()))
		errCh <- s.httpServer.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracePeriod)
		defer cancel()
		applog.Emit("info", "dispatch", nil, "shutting down")
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return s.httpServer.Close()
		}
		return nil
	}
}
