package wire

import "testing"

func TestFeederRoundTrip(t *testing.T) {
	buf, err := Pack(SSHCredential, map[string]any{
		"client":  "1.2.3.4",
		"version": "SSH-2.0-test",
		"user":    "root",
		"time":    int64(1700000000),
		"passwd":  "hunter2",
	})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	var f Feeder
	f.Feed(buf)

	fr, ok, err := f.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !ok {
		t.Fatalf("expected a complete frame")
	}
	if fr.Type != SSHCredential {
		t.Fatalf("type = %v, want SSH_CREDENTIAL", fr.Type)
	}

	c, err := DecodeCredential(fr.Data)
	if err != nil {
		t.Fatalf("decode credential: %v", err)
	}
	if c.Client != "1.2.3.4" || c.User != "root" || c.Password != "hunter2" || c.Time != 1700000000 {
		t.Fatalf("unexpected credential: %+v", c)
	}

	if _, ok, err := f.Next(); err != nil || ok {
		t.Fatalf("expected no more frames, got ok=%v err=%v", ok, err)
	}
}

func TestFeederPartialFeed(t *testing.T) {
	buf, err := Pack(Ping, nil)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	var f Feeder
	f.Feed(buf[:len(buf)-1])
	if _, ok, err := f.Next(); err != nil || ok {
		t.Fatalf("expected incomplete frame, got ok=%v err=%v", ok, err)
	}

	f.Feed(buf[len(buf)-1:])
	fr, ok, err := f.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !ok || fr.Type != Ping {
		t.Fatalf("expected a PING frame, got ok=%v type=%v", ok, fr.Type)
	}
}

func TestFeederMultipleFrames(t *testing.T) {
	a, _ := Pack(Ping, nil)
	b, _ := Pack(Pong, nil)

	var f Feeder
	f.Feed(a)
	f.Feed(b)

	fr1, ok, err := f.Next()
	if err != nil || !ok || fr1.Type != Ping {
		t.Fatalf("first frame: ok=%v err=%v type=%v", ok, err, fr1.Type)
	}
	fr2, ok, err := f.Next()
	if err != nil || !ok || fr2.Type != Pong {
		t.Fatalf("second frame: ok=%v err=%v type=%v", ok, err, fr2.Type)
	}
}

func TestHelloToken(t *testing.T) {
	if HelloToken != "CPE1704TKS" {
		t.Fatalf("unexpected hello token %q", HelloToken)
	}
}
