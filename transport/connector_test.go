package transport

import (
	"context"
	"io/ioutil"
	"log"
	"net"
	"testing"
	"time"

	"github.com/komuw/kvpaxos/protocol"
)

// closedPeer returns an address on which nothing listens.
func closedPeer(t *testing.T) protocol.PeerAddress {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := peerOf(l)
	l.Close()
	return addr
}

func peerOf(l net.Listener) protocol.PeerAddress {
	a := l.Addr().(*net.TCPAddr)
	return protocol.PeerAddress{Host: a.IP.String(), Port: a.Port}
}

func quietConfig() protocol.Config {
	cfg := protocol.DefaultConfig()
	cfg.Logger = log.New(ioutil.Discard, "", 0)
	return cfg
}

func TestConnect(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	tests := []struct {
		name         string
		addr         protocol.PeerAddress
		attempts     int
		wantErr      bool
		wantAttempts int
	}{
		{name: "listening peer", addr: peerOf(l), attempts: 3},
		{name: "nothing listening", addr: closedPeer(t), attempts: 3, wantErr: true, wantAttempts: 3},
		{name: "single attempt", addr: closedPeer(t), attempts: 1, wantErr: true, wantAttempts: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := quietConfig()
			cfg.ConnectAttempts = tt.attempts
			c := NewConnector(cfg)

			conn, err := c.Connect(context.Background(), tt.addr)
			t.Logf("\nerror got:%#+v", err)
			if (err != nil) != tt.wantErr {
				t.Fatalf("\nConnector.Connect() \nerror = %v, \nwantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				conn.Close()
				return
			}
			cerr, ok := err.(*ConnectError)
			if !ok {
				t.Fatalf("\nConnector.Connect() \nerr = %#+v, wanted a *ConnectError", err)
			}
			if cerr.Attempts != tt.wantAttempts || cerr.Addr != tt.addr || cerr.Err == nil {
				t.Errorf("\nConnector.Connect() \ngot = %#+v, \nwanted %v attempts to %v", cerr, tt.wantAttempts, tt.addr)
			}
		})
	}
}

func TestConnectStopsWhenContextIsDone(t *testing.T) {
	c := NewConnector(quietConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Connect(ctx, closedPeer(t))
	cerr, ok := err.(*ConnectError)
	if !ok {
		t.Fatalf("\nConnector.Connect() \nerr = %#+v, wanted a *ConnectError", err)
	}
	if cerr.Attempts != 0 {
		t.Errorf("\nConnector.Connect() made %v attempts with a cancelled context", cerr.Attempts)
	}
}

func TestNewConnectorDefaults(t *testing.T) {
	c := NewConnector(protocol.Config{})
	if c.Attempts != protocol.DefaultConnectAttempts || c.Timeout != protocol.DefaultConnectTimeout || c.Logger == nil {
		t.Errorf("\nNewConnector() = %#+v", c)
	}
	c = NewConnector(protocol.Config{ConnectAttempts: 7, ConnectTimeout: time.Minute})
	if c.Attempts != 7 || c.Timeout != time.Minute {
		t.Errorf("\nNewConnector() = %#+v", c)
	}
}
