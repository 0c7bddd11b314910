package ingest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/blacknet-io/blacknet/pkg/blacklist"
	"github.com/blacknet-io/blacknet/pkg/store"
	"github.com/blacknet-io/blacknet/pkg/wire"
)

// fakeStore is a minimal in-memory Store used to exercise the ingest
// worker's logic without a real MySQL instance.
type fakeStore struct {
	attackers map[uint32]store.Attacker
	sessions  map[string]store.Session // key: atkID:sensor
	attempts  int64
	pubkeys   map[string]int64
	links     int
	failNext  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		attackers: map[uint32]store.Attacker{},
		sessions:  map[string]store.Session{},
		pubkeys:   map[string]int64{},
	}
}

func (f *fakeStore) takeFail() error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	return nil
}

func (f *fakeStore) InsertAttacker(ctx context.Context, id uint32, ip, dns string, firstSeen, lastSeen time.Time, locID uint32) error {
	if err := f.takeFail(); err != nil {
		return err
	}
	f.attackers[id] = store.Attacker{ID: id, FirstSeen: firstSeen, LastSeen: lastSeen}
	return nil
}

func (f *fakeStore) CheckAttacker(ctx context.Context, id uint32) (store.Attacker, bool, error) {
	a, ok := f.attackers[id]
	return a, ok, nil
}

func (f *fakeStore) UpdateAttackerFirstSeen(ctx context.Context, id uint32, t time.Time) error {
	a := f.attackers[id]
	a.FirstSeen = t
	f.attackers[id] = a
	return nil
}

func (f *fakeStore) UpdateAttackerLastSeen(ctx context.Context, id uint32, t time.Time) error {
	a := f.attackers[id]
	a.LastSeen = t
	f.attackers[id] = a
	return nil
}

func (f *fakeStore) GetLocID(ctx context.Context, id uint32) (uint32, error) {
	return store.DefaultLocID, nil
}

func (f *fakeStore) InsertSession(ctx context.Context, atkID uint32, firstAttempt, lastAttempt time.Time, target string) (int64, error) {
	id := int64(len(f.sessions) + 1)
	f.sessions[sesKey(atkID, target)] = store.Session{ID: id, LastAttempt: lastAttempt}
	return id, nil
}

func (f *fakeStore) CheckSession(ctx context.Context, atkID uint32, sensor string) (store.Session, bool, error) {
	s, ok := f.sessions[sesKey(atkID, sensor)]
	return s, ok, nil
}

func (f *fakeStore) UpdateSessionLastSeen(ctx context.Context, sesID int64, t time.Time) error {
	for k, s := range f.sessions {
		if s.ID == sesID {
			s.LastAttempt = t
			f.sessions[k] = s
		}
	}
	return nil
}

func (f *fakeStore) InsertAttempt(ctx context.Context, atkID uint32, sesID int64, user string, password *string, target string, t time.Time, client string) (int64, error) {
	if err := f.takeFail(); err != nil {
		return 0, err
	}
	f.attempts++
	return f.attempts, nil
}

func (f *fakeStore) CheckPubkey(ctx context.Context, fingerprint string) (int64, bool, error) {
	id, ok := f.pubkeys[fingerprint]
	return id, ok, nil
}

func (f *fakeStore) InsertPubkey(ctx context.Context, keyType, fingerprint, data string, bits int) (int64, error) {
	id := int64(len(f.pubkeys) + 1)
	f.pubkeys[fingerprint] = id
	return id, nil
}

func (f *fakeStore) InsertAttemptPubkey(ctx context.Context, attemptID, pubkeyID int64) error {
	f.links++
	return nil
}

func sesKey(atkID uint32, sensor string) string {
	return fmt.Sprintf("%d:%s", atkID, sensor)
}

func newTestWorker(db Store, bl *blacklist.Blacklist) *Worker {
	return NewWorker("sensor-1", db, func() (Store, error) { return db, nil }, bl, nil, time.Hour, false, zerolog.Nop())
}

func TestWorkerHelloAndClientName(t *testing.T) {
	w := newTestWorker(newFakeStore(), nil)
	keepGoing := w.Handle(context.Background(), wire.Frame{Type: wire.Hello, Data: wire.HelloToken}, func(wire.MsgType, any) error { return nil })
	if !keepGoing {
		t.Fatalf("expected a valid hello to keep the connection open")
	}

	w.Handle(context.Background(), wire.Frame{Type: wire.ClientName, Data: "renamed-sensor"}, func(wire.MsgType, any) error { return nil })
	if w.Name() != "renamed-sensor" {
		t.Fatalf("expected sensor to be renamed, got %q", w.Name())
	}
}

func TestWorkerRejectsBuggyHello(t *testing.T) {
	w := newTestWorker(newFakeStore(), nil)
	keepGoing := w.Handle(context.Background(), wire.Frame{Type: wire.Hello, Data: "not-the-token"}, func(wire.MsgType, any) error { return nil })
	if keepGoing {
		t.Fatalf("expected a buggy hello to terminate the connection")
	}
}

func TestWorkerRecordsCredentialAttempt(t *testing.T) {
	db := newFakeStore()
	w := newTestWorker(db, nil)

	cred := map[string]any{
		"client":  "203.0.113.9",
		"version": "SSH-2.0-libssh",
		"user":    "root",
		"time":    int64(1700000000),
		"passwd":  "hunter2",
	}
	w.Handle(context.Background(), wire.Frame{Type: wire.SSHCredential, Data: cred}, nil)

	if w.accepted != 1 {
		t.Fatalf("expected 1 accepted attempt, got %d", w.accepted)
	}
	if db.attempts != 1 {
		t.Fatalf("expected 1 attempt recorded, got %d", db.attempts)
	}
	if len(db.attackers) != 1 {
		t.Fatalf("expected 1 attacker recorded, got %d", len(db.attackers))
	}
}

func TestWorkerDropsBlacklistedUser(t *testing.T) {
	db := newFakeStore()
	w := newTestWorker(db, blacklistWith(t, "sensor-1", "root"))

	cred := map[string]any{
		"client":  "203.0.113.9",
		"version": "SSH-2.0-libssh",
		"user":    "root",
		"time":    int64(1700000000),
		"passwd":  "hunter2",
	}
	w.Handle(context.Background(), wire.Frame{Type: wire.SSHCredential, Data: cred}, nil)

	if w.accepted != 0 {
		t.Fatalf("expected the blacklisted attempt to be dropped, accepted=%d", w.accepted)
	}
	if w.dropped != 1 {
		t.Fatalf("expected dropped count to be 1, got %d", w.dropped)
	}
	if len(db.attackers) != 0 {
		t.Fatalf("expected no attacker to be recorded for a blacklisted attempt")
	}
}

func TestWorkerRecordsPublicKeyAttempt(t *testing.T) {
	db := newFakeStore()
	w := newTestWorker(db, nil)

	key := map[string]any{
		"client":  "203.0.113.9",
		"version": "SSH-2.0-libssh",
		"user":    "root",
		"time":    int64(1700000000),
		"k64":     "AAAAB3NzaC1yc2EA",
		"ksize":   int64(2048),
		"kfp":     "SHA256:abc",
		"ktype":   "ssh-rsa",
	}
	w.Handle(context.Background(), wire.Frame{Type: wire.SSHPublicKey, Data: key}, nil)

	if w.accepted != 1 {
		t.Fatalf("expected 1 accepted pubkey attempt, got %d", w.accepted)
	}
	if len(db.pubkeys) != 1 || db.links != 1 {
		t.Fatalf("expected pubkey and link to be recorded, got pubkeys=%d links=%d", len(db.pubkeys), db.links)
	}
}

func TestWorkerPingRepliesWithPong(t *testing.T) {
	w := newTestWorker(newFakeStore(), nil)
	var got wire.MsgType
	w.Handle(context.Background(), wire.Frame{Type: wire.Ping}, func(mt wire.MsgType, _ any) error {
		got = mt
		return nil
	})
	if got != wire.Pong {
		t.Fatalf("expected a PONG reply, got %v", got)
	}
}

func TestWorkerGoodbyeEndsConnection(t *testing.T) {
	w := newTestWorker(newFakeStore(), nil)
	keepGoing := w.Handle(context.Background(), wire.Frame{Type: wire.Goodbye}, func(wire.MsgType, any) error { return nil })
	if keepGoing {
		t.Fatalf("expected goodbye to end the connection")
	}
}

// blacklistWith builds a Blacklist with one section/user pair preloaded,
// via a temp file, since Blacklist has no direct insertion API.
func blacklistWith(t *testing.T, section, user string) *blacklist.Blacklist {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/blacklist.ini"
	content := "[" + section + "]\n" + user + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write blacklist file: %v", err)
	}
	bl := blacklist.New()
	bl.Load([]string{path})
	return bl
}
