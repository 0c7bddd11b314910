package sensorclient

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/blacknet-io/blacknet/pkg/wire"
	"github.com/rs/zerolog"
)

// fakeMaster accepts a single connection, replies to HELLO/CLIENT_NAME
// silently, answers PING with PONG, and echoes GOODBYE.
func fakeMaster(t *testing.T, ln net.Listener, received chan<- wire.Frame) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	var f wire.Feeder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		f.Feed(buf[:n])
		for {
			fr, ok, err := f.Next()
			if err != nil || !ok {
				break
			}
			received <- fr
			switch fr.Type {
			case wire.Ping:
				b, _ := wire.Pack(wire.Pong, nil)
				conn.Write(b)
			case wire.Goodbye:
				b, _ := wire.Pack(wire.Goodbye, nil)
				conn.Write(b)
				return
			}
		}
	}
}

func TestClientHandshakeAndCredential(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "blacknet.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan wire.Frame, 16)
	go fakeMaster(t, ln, received)

	c := &Client{
		Addr:   sock,
		Name:   "honeypot-1",
		Logger: zerolog.Nop(),
	}

	c.ReportCredential(wire.Credential{Client: "1.2.3.4", User: "root", Password: "toor", Time: 1})

	types := map[wire.MsgType]bool{}
	deadline := time.After(2 * time.Second)
	for len(types) < 3 {
		select {
		case fr := <-received:
			types[fr.Type] = true
		case <-deadline:
			t.Fatalf("timed out, got %v", types)
		}
	}

	if !types[wire.Hello] || !types[wire.ClientName] || !types[wire.SSHCredential] {
		t.Fatalf("missing expected frames: %v", types)
	}

	c.Disconnect(true)
}
