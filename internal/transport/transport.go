// Package transport provides the message-socket capability the broker
// core consumes: listeners addressed by URI and sockets carrying discrete
// framed byte payloads.
package transport

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
)

// ErrClosed is returned from operations on a closed socket or listener.
var ErrClosed = errors.New("transport: closed")

// Socket is one connection carrying discrete framed messages. Receive and
// Send block; at most one goroutine may call each concurrently. Close may
// be called from any goroutine and unblocks both.
type Socket interface {
	// Receive returns the next message from the peer.
	Receive() ([]byte, error)
	// Send transmits one message to the peer.
	Send(data []byte) error
	// RemoteAddr returns the peer's address in display form.
	RemoteAddr() string
	// Close tears the connection down.
	Close() error
}

// Listener accepts inbound sockets.
type Listener interface {
	// Accept blocks until a connection arrives.
	Accept() (Socket, error)
	// Addr returns the bound address URI.
	Addr() string
	// Close stops accepting and releases the bind.
	Close() error
}

// Options tunes listener behavior.
type Options struct {
	// MaxMessageSize bounds inbound message size in bytes. Zero means
	// the implementation default.
	MaxMessageSize int64
	// TLSCertFile and TLSKeyFile enable TLS for schemes requiring it.
	TLSCertFile string
	TLSKeyFile  string
}

// Listen binds the given URI. Supported schemes: ws, wss.
func Listen(uri string, opts Options) (Listener, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid listen URI %q: %w", uri, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		return listenWS(u, opts)
	default:
		return nil, fmt.Errorf("transport: unsupported scheme %q in %q", u.Scheme, uri)
	}
}

// Pipe returns a connected in-memory socket pair, used in tests.
func Pipe() (Socket, Socket) {
	a2b := make(chan []byte, 1024)
	b2a := make(chan []byte, 1024)
	done := make(chan struct{})
	var once sync.Once
	closeFn := func() { once.Do(func() { close(done) }) }

	a := &pipeSocket{in: b2a, out: a2b, done: done, close: closeFn, addr: "pipe:a"}
	b := &pipeSocket{in: a2b, out: b2a, done: done, close: closeFn, addr: "pipe:b"}
	return a, b
}

type pipeSocket struct {
	in    <-chan []byte
	out   chan<- []byte
	done  chan struct{}
	close func()
	addr  string
}

func (s *pipeSocket) Receive() ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.done:
		// Drain messages sent before the close.
		select {
		case data := <-s.in:
			return data, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (s *pipeSocket) Send(data []byte) error {
	msg := append([]byte(nil), data...)
	select {
	case s.out <- msg:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *pipeSocket) RemoteAddr() string { return s.addr }

func (s *pipeSocket) Close() error {
	s.close()
	return nil
}
