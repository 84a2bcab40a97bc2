package transport

import (
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/komuw/kvpaxos/codec"
	"github.com/komuw/kvpaxos/protocol"
	"github.com/pkg/errors"
)

// DefaultIdleTimeout is how long a Server waits for the next frame on an open connection.
const DefaultIdleTimeout = 5 * time.Second

// Server answers the frames a TCPTransport sends with a protocol.Handler.
type Server struct {
	handler     protocol.Handler
	logger      *log.Logger
	idleTimeout time.Duration

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// NewServer returns a Server for h. A nil logger logs to stderr.
func NewServer(h protocol.Handler, logger *log.Logger) *Server {
	if logger == nil {
		logger = protocol.NewLogger(os.Stderr)
	}
	return &Server{
		handler:     h,
		logger:      logger,
		idleTimeout: DefaultIdleTimeout,
		listeners:   map[net.Listener]struct{}{},
		conns:       map[net.Conn]struct{}{},
	}
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "unable to listen on "+addr)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Close is called, answering each on its
// own goroutine. It returns nil after Close.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close() // nolint: errcheck
		return nil
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			delete(s.listeners, l)
			s.mu.Unlock()
			if closed {
				return nil
			}
			return errors.Wrap(err, "unable to accept connection")
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close() // nolint: errcheck
			continue
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serveConn(conn)
	}
}

// Close stops every Serve loop, drops open connections and waits for the
// in-flight requests to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	for l := range s.listeners {
		if e := l.Close(); e != nil && err == nil {
			err = e
		}
	}
	for c := range s.conns {
		c.Close() // nolint: errcheck
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		conn.Close() // nolint: errcheck
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Done()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(s.idleTimeout)) // nolint: errcheck
		m, err := codec.ReadFrame(conn)
		if err != nil {
			if errors.Cause(err) == io.EOF {
				return
			}
			if errors.Cause(err) == codec.ErrMalformedMessage {
				s.logger.Printf("dropping malformed request from:%v: %v", conn.RemoteAddr(), err)
			}
			return
		}

		reply, err := s.handler.Handle(m)
		if err != nil {
			s.logger.Printf("unable to handle %v from:%v: %+v", m.Kind(), conn.RemoteAddr(), err)
			return
		}
		conn.SetWriteDeadline(time.Now().Add(s.idleTimeout)) // nolint: errcheck
		if err := codec.WriteFrame(conn, reply); err != nil {
			s.logger.Printf("unable to reply to %v from:%v: %v", m.Kind(), conn.RemoteAddr(), err)
			return
		}
	}
}
