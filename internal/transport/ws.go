package transport

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the deadline for writing one frame to the peer.
	writeWait = 10 * time.Second

	defaultMaxMessageSize int64 = 1 << 16
)

// wsListener serves WebSocket upgrades and hands the upgraded connections
// to Accept. Each WebSocket message carries exactly one protocol message.
type wsListener struct {
	uri      string
	server   *http.Server
	ln       net.Listener
	accepted chan Socket

	once sync.Once
	done chan struct{}
}

func listenWS(u *url.URL, opts Options) (Listener, error) {
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", u.String(), err)
	}

	maxSize := opts.MaxMessageSize
	if maxSize == 0 {
		maxSize = defaultMaxMessageSize
	}

	// Report the actually bound address, so ephemeral ports (":0")
	// resolve to something dialable.
	bound := *u
	bound.Host = ln.Addr().String()

	l := &wsListener{
		uri:      bound.String(),
		ln:       ln,
		accepted: make(chan Socket, 16),
		done:     make(chan struct{}),
	}

	upgrader := websocket.Upgrader{
		// The broker speaks to service-discovery clients, not browsers.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.SetReadLimit(maxSize)

		sock := &wsSocket{conn: conn}
		select {
		case l.accepted <- sock:
		case <-l.done:
			_ = conn.Close()
		}
	})

	l.server = &http.Server{Handler: mux}

	go func() {
		if u.Scheme == "wss" {
			_ = l.server.ServeTLS(ln, opts.TLSCertFile, opts.TLSKeyFile)
		} else {
			_ = l.server.Serve(ln)
		}
	}()

	return l, nil
}

func (l *wsListener) Accept() (Socket, error) {
	select {
	case sock := <-l.accepted:
		return sock, nil
	case <-l.done:
		return nil, ErrClosed
	}
}

func (l *wsListener) Addr() string { return l.uri }

func (l *wsListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		_ = l.server.Close()
	})
	return nil
}

type wsSocket struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (s *wsSocket) Receive() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *wsSocket) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}
