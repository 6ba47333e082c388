package reverseproxy

import (
	"bufio"
	"io"
	"net"

	"bifrostbridge/internal/pool"
)

func newBufReader(conn net.Conn) *bufio.Reader {
	return bufio.NewReader(conn)
}

// releasingBody wraps the upstream response body so that reading it to
// completion (or closing it early) always releases the leased connection
// back to the pool exactly once. A connection is only offered for reuse
// when the body was drained cleanly and the response did not request
// Connection: close (spec.md §4.5: "must be marked non-reusable after any
// I/O error or non-keep-alive response semantics").
type releasingBody struct {
	io.ReadCloser
	handle   *pool.Handle
	reusable bool
	done     bool
}

func (b *releasingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil {
		b.finish(err == io.EOF)
	}
	return n, err
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.finish(false)
	return err
}

func (b *releasingBody) finish(cleanEOF bool) {
	if b.done {
		return
	}
	b.done = true
	b.handle.Release(b.reusable && cleanEOF)
}
