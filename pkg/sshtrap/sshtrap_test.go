package sshtrap

import (
	"net"
	"testing"
	"time"

	"github.com/blacknet-io/blacknet/pkg/wire"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

type fakeReporter struct {
	creds []wire.Credential
	keys  []wire.PublicKey
}

func (f *fakeReporter) ReportCredential(c wire.Credential) { f.creds = append(f.creds, c) }
func (f *fakeReporter) ReportPublicKey(k wire.PublicKey)   { f.keys = append(f.keys, k) }

func TestEngineHarvestsPassword(t *testing.T) {
	dir := t.TempDir()
	signer, _, err := LoadOrGenerateHostKey(dir + "/host_key")
	if err != nil {
		t.Fatalf("host key: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	rep := &fakeReporter{}
	engine := &Engine{
		Banner:         DefaultBanner,
		HostKey:        signer,
		MaxAuthTries:   3,
		SessionTimeout: 5 * time.Second,
		Reporter:       rep,
		Logger:         zerolog.Nop(),
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		engine.Serve(conn)
	}()

	clientConfig := &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.Password("hunter2")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         2 * time.Second,
	}

	_, err = ssh.Dial("tcp", ln.Addr().String(), clientConfig)
	if err == nil {
		t.Fatalf("expected auth failure, got a session")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(rep.creds) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if len(rep.creds) != 1 {
		t.Fatalf("got %d credentials, want 1", len(rep.creds))
	}
	if rep.creds[0].User != "root" || rep.creds[0].Password != "hunter2" {
		t.Fatalf("unexpected credential: %+v", rep.creds[0])
	}
}
