package forwardproxy

import (
	"bufio"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bifrostbridge/internal/config"
)

func TestAuthorizeRejectsMissingCredentials(t *testing.T) {
	e := New(config.ForwardProxyConfig{ProxyUsername: "alice", ProxyPassword: "s3cret"}, config.WebSocketConfig{}, time.Second, nil)
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	w := httptest.NewRecorder()
	if e.authorize(w, req) {
		t.Fatal("expected authorization to fail without credentials")
	}
	if w.Code != http.StatusProxyAuthRequired {
		t.Fatalf("status = %d, want 407", w.Code)
	}
	if w.Header().Get("Proxy-Authenticate") == "" {
		t.Fatal("expected Proxy-Authenticate header on 407")
	}
}

func TestAuthorizeAcceptsValidCredentialsAndStripsHeader(t *testing.T) {
	e := New(config.ForwardProxyConfig{ProxyUsername: "alice", ProxyPassword: "s3cret"}, config.WebSocketConfig{}, time.Second, nil)
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("alice:s3cret")))
	w := httptest.NewRecorder()
	if !e.authorize(w, req) {
		t.Fatal("expected authorization to succeed with valid credentials")
	}
	if req.Header.Get("Proxy-Authorization") != "" {
		t.Fatal("expected Proxy-Authorization header to be stripped after successful auth")
	}
}

func TestAuthorizeRejectsWrongPassword(t *testing.T) {
	e := New(config.ForwardProxyConfig{ProxyUsername: "alice", ProxyPassword: "s3cret"}, config.WebSocketConfig{}, time.Second, nil)
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("alice:wrong")))
	w := httptest.NewRecorder()
	if e.authorize(w, req) {
		t.Fatal("expected authorization to fail with wrong password")
	}
}

func TestNoAuthConfiguredAllowsAnyRequest(t *testing.T) {
	e := New(config.ForwardProxyConfig{}, config.WebSocketConfig{}, time.Second, nil)
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	w := httptest.NewRecorder()
	if !e.authorize(w, req) {
		t.Fatal("expected requests to be allowed when no proxy credentials are configured")
	}
}

func TestConnectTunnelRelaysBytesBothWays(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer origin.Close()

	originDone := make(chan struct{})
	go func() {
		defer close(originDone)
		conn, err := origin.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		io.ReadFull(conn, buf)
		conn.Write([]byte("pong!"))
	}()

	e := New(config.ForwardProxyConfig{}, config.WebSocketConfig{}, 2*time.Second, nil)

	server := httptest.NewServer(e)
	defer server.Close()

	clientConn, err := net.Dial("tcp", server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer clientConn.Close()

	req := "CONNECT " + origin.Addr().String() + " HTTP/1.1\r\nHost: " + origin.Addr().String() + "\r\n\r\n"
	if _, err := clientConn.Write([]byte(req)); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	reader := bufio.NewReader(clientConn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if statusLine != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("status line = %q, want connection established", statusLine)
	}
	// consume the blank line terminating the (header-less) CONNECT response
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("read trailing CRLF: %v", err)
	}

	if _, err := clientConn.Write([]byte("ping!")); err != nil {
		t.Fatalf("write tunnel payload: %v", err)
	}
	pong := make([]byte, 5)
	if _, err := io.ReadFull(reader, pong); err != nil {
		t.Fatalf("read tunnel reply: %v", err)
	}
	if string(pong) != "pong!" {
		t.Fatalf("tunnel reply = %q, want pong!", pong)
	}

	<-originDone
}
