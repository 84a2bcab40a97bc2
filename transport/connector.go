/*
Package transport carries kvpaxos messages over TCP.

TCPTransport implements protocol.Transport for a Proposer; Server answers the
frames it sends with a protocol.Handler such as protocol.Acceptor. Every
request uses its own connection, opened by a Connector, and carries exactly one
codec frame each way.
*/
package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/komuw/kvpaxos/protocol"
	"github.com/pkg/errors"
)

// ConnectError is returned by Connector.Connect when no attempt succeeded.
type ConnectError struct {
	Addr protocol.PeerAddress
	// Attempts is the number of dials made before giving up.
	Attempts int
	// Err is the error of the last attempt.
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("unable to connect to peer:%v after %v attempts: %v", e.Addr, e.Attempts, e.Err)
}

// Cause implements the causer interface used by errors.Cause.
func (e *ConnectError) Cause() error { return e.Err }

// Unwrap lets errors.Is and errors.As see the last dial error.
func (e *ConnectError) Unwrap() error { return e.Err }

// Connector opens connections to peers, trying up to Attempts times with each
// attempt bounded by Timeout.
type Connector struct {
	Attempts int
	Timeout  time.Duration
	Dialer   *net.Dialer
	Logger   *log.Logger
	Debug    bool
}

// NewConnector returns a Connector using cfg.ConnectAttempts and
// cfg.ConnectTimeout, or their defaults when zero.
func NewConnector(cfg protocol.Config) *Connector {
	c := &Connector{
		Attempts: cfg.ConnectAttempts,
		Timeout:  cfg.ConnectTimeout,
		Dialer:   &net.Dialer{},
		Logger:   cfg.Logger,
		Debug:    cfg.Debug,
	}
	if c.Attempts <= 0 {
		c.Attempts = protocol.DefaultConnectAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = protocol.DefaultConnectTimeout
	}
	if c.Logger == nil {
		c.Logger = protocol.NewLogger(os.Stderr)
	}
	return c
}

// Connect dials addr over TCP. It stops early once ctx is done.
func (c *Connector) Connect(ctx context.Context, addr protocol.PeerAddress) (net.Conn, error) {
	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	var (
		lastErr  error
		attempts int
	)
	for attempts < c.Attempts {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		attempts++
		conn, err := c.dial(ctx, dialer, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if c.Debug {
			c.Logger.Printf("attempt %v of %v to connect to peer:%v failed: %v", attempts, c.Attempts, addr, err)
		}
	}
	return nil, &ConnectError{Addr: addr, Attempts: attempts, Err: lastErr}
}

func (c *Connector) dial(ctx context.Context, dialer *net.Dialer, addr protocol.PeerAddress) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("unable to dial peer:%v", addr))
	}
	return conn, nil
}
