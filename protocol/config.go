package protocol

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Defaults used by DefaultConfig.
const (
	DefaultPort            = 15000
	DefaultQuorum          = 3
	DefaultWorkers         = 5
	DefaultRoundTimeout    = time.Second
	DefaultConnectAttempts = 3
	DefaultConnectTimeout  = 200 * time.Millisecond
)

// PeerAddress is where a peer listens.
type PeerAddress struct {
	Host string
	Port int
}

func (a PeerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParsePeer parses "host:port", or a bare "host" whose port is left zero so
// that it inherits Config.Port.
func ParsePeer(s string) (PeerAddress, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		if addrErr, ok := err.(*net.AddrError); ok && addrErr.Err == "missing port in address" {
			return PeerAddress{Host: s}, nil
		}
		return PeerAddress{}, errors.Wrap(err, fmt.Sprintf("unable to parse peer address:%v", s))
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return PeerAddress{}, errors.Errorf("invalid port:%v in peer address:%v", port, s)
	}
	return PeerAddress{Host: host, Port: p}, nil
}

// Config is what the surrounding service hands a Proposer.
type Config struct {
	// Self is this node's own address. It is only used in log lines; include
	// it in Peers if this node also runs an acceptor.
	Self PeerAddress
	// Peers are the acceptors a round is sent to.
	Peers []PeerAddress
	// Port is used for every peer whose Port is zero.
	Port int
	// Quorum is the number of promises, and then accepts, a round needs.
	// Zero means a majority of Peers.
	Quorum int
	// Workers bounds the number of requests in flight during each phase.
	Workers int
	// RoundTimeout is the deadline of each phase.
	RoundTimeout time.Duration
	// ConnectAttempts and ConnectTimeout bound how long a network transport
	// tries to reach one peer.
	ConnectAttempts int
	ConnectTimeout  time.Duration

	Logger *log.Logger
	// Debug turns on logging of every state transition and round outcome.
	Debug bool
}

// DefaultConfig returns a Config carrying the default quorum, worker count and timeouts.
func DefaultConfig() Config {
	return Config{
		Port:            DefaultPort,
		Quorum:          DefaultQuorum,
		Workers:         DefaultWorkers,
		RoundTimeout:    DefaultRoundTimeout,
		ConnectAttempts: DefaultConnectAttempts,
		ConnectTimeout:  DefaultConnectTimeout,
	}
}

// Majority returns the smallest number of peers, out of n, that forms a majority.
func Majority(n int) int {
	return n/2 + 1
}

// WithDefaults fills every zero field of c and validates the result.
func (c Config) WithDefaults() (Config, error) {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	peers := make([]PeerAddress, 0, len(c.Peers))
	seen := map[PeerAddress]bool{}
	for _, p := range c.Peers {
		if p.Port == 0 {
			p.Port = c.Port
		}
		// guard against adding same peer twice
		if seen[p] {
			continue
		}
		seen[p] = true
		peers = append(peers, p)
	}
	c.Peers = peers
	if c.Quorum == 0 {
		c.Quorum = Majority(len(c.Peers))
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.RoundTimeout == 0 {
		c.RoundTimeout = DefaultRoundTimeout
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	return c, c.Validate()
}

// Validate reports the first problem with c.
func (c Config) Validate() error {
	switch {
	case len(c.Peers) == 0:
		return errors.New("no peers configured")
	case c.Quorum < 1:
		return errors.Errorf("quorum:%v must be at least 1", c.Quorum)
	case c.Quorum > len(c.Peers):
		return errors.Errorf("quorum:%v is greater than the number of peers:%v", c.Quorum, len(c.Peers))
	case c.Workers < 1:
		return errors.Errorf("workers:%v must be at least 1", c.Workers)
	case c.RoundTimeout <= 0:
		return errors.Errorf("round timeout:%v must be positive", c.RoundTimeout)
	case c.ConnectAttempts < 1:
		return errors.Errorf("connect attempts:%v must be at least 1", c.ConnectAttempts)
	case c.ConnectTimeout <= 0:
		return errors.Errorf("connect timeout:%v must be positive", c.ConnectTimeout)
	}
	for _, p := range c.Peers {
		if p.Host == "" {
			return errors.Errorf("peer:%v has no host", p)
		}
	}
	return nil
}

func defaultLogger() *log.Logger {
	return NewLogger(os.Stderr)
}

// NewLogger returns the logger kvpaxos components use when none is configured, writing to w.
func NewLogger(w io.Writer) *log.Logger {
	return log.New(w, "kvpaxos: ", log.LstdFlags|log.Lmicroseconds)
}
