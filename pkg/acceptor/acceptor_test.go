package acceptor

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAcceptorAcceptsAndReconfigures(t *testing.T) {
	a := New(zerolog.Nop())
	defer a.Close()

	if err := a.Reconfigure([]Spec{"127.0.0.1:0"}); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}

	a.mu.Lock()
	var realAddr string
	for s, ln := range a.listeners {
		realAddr = ln.Addr().String()
		_ = s
	}
	a.mu.Unlock()
	if realAddr == "" {
		t.Fatalf("no listener started")
	}

	stop := make(chan struct{})
	defer close(stop)

	connCh := make(chan net.Conn, 1)
	go a.Serve(stop, 0, nil, func(c net.Conn, spec string) {
		connCh <- c
	})

	c, err := net.Dial("tcp", realAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	select {
	case sc := <-connCh:
		sc.Close()
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for accepted connection")
	}

	if err := a.Reconfigure(nil); err != nil {
		t.Fatalf("reconfigure down: %v", err)
	}
	a.mu.Lock()
	n := len(a.listeners)
	a.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no listeners after reconfigure, got %d", n)
	}
}

func TestAcceptorTimeoutCallback(t *testing.T) {
	a := New(zerolog.Nop())
	defer a.Close()

	stop := make(chan struct{})
	fired := make(chan struct{}, 1)

	go a.Serve(stop, 20*time.Millisecond, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, func(net.Conn, string) {})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout callback never fired")
	}
	close(stop)
}

func TestParseListen(t *testing.T) {
	specs, err := ParseListen("0.0.0.0:2200, /run/blacknet.sock, example:1234", 9999)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []Spec{"0.0.0.0:2200", "/run/blacknet.sock", "example:1234"}
	if len(specs) != len(want) {
		t.Fatalf("got %v, want %v", specs, want)
	}
	for i := range want {
		if specs[i] != want[i] {
			t.Fatalf("specs[%d] = %q, want %q", i, specs[i], want[i])
		}
	}
}
