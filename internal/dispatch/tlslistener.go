package dispatch

import (
	"crypto/tls"
	"net"
)

// newTLSListener wraps ln so Accept returns already-handshaking TLS
// connections, the same tls.NewListener pattern the teacher's
// server.ListenAndServeTLS used internally (here exposed explicitly since
// Serve owns a pre-built net.Listener rather than calling ListenAndServeTLS).
func newTLSListener(ln net.Listener, cfg *tls.Config) net.Listener {
	return tls.NewListener(ln, cfg)
}
