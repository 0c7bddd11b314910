// Package ingest implements the master's per-sensor connection handling:
// decoding the wire protocol, checking the blacklist, and persisting
// attackers/sessions/attempts through pkg/store, with the bounded
// reconnect-and-retry behavior the reference relies on to ride out
// transient MySQL errors.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/blacknet-io/blacknet/pkg/bnmetrics"
	"github.com/blacknet-io/blacknet/pkg/bnutil"
	"github.com/blacknet-io/blacknet/pkg/blacklist"
	"github.com/blacknet-io/blacknet/pkg/store"
	"github.com/blacknet-io/blacknet/pkg/wire"
)

// maxDBRetries bounds how many times in total a single store operation is
// attempted (reconnecting between attempts) before the enclosing message
// is dropped.
const maxDBRetries = 3

// Store is the subset of *store.DB the worker needs, so tests can swap in
// a fake.
type Store interface {
	InsertAttacker(ctx context.Context, id uint32, ip, dns string, firstSeen, lastSeen time.Time, locID uint32) error
	CheckAttacker(ctx context.Context, id uint32) (store.Attacker, bool, error)
	UpdateAttackerFirstSeen(ctx context.Context, id uint32, t time.Time) error
	UpdateAttackerLastSeen(ctx context.Context, id uint32, t time.Time) error
	GetLocID(ctx context.Context, id uint32) (uint32, error)
	InsertSession(ctx context.Context, atkID uint32, firstAttempt, lastAttempt time.Time, target string) (int64, error)
	CheckSession(ctx context.Context, atkID uint32, sensor string) (store.Session, bool, error)
	UpdateSessionLastSeen(ctx context.Context, sesID int64, t time.Time) error
	InsertAttempt(ctx context.Context, atkID uint32, sesID int64, user string, password *string, target string, t time.Time, client string) (int64, error)
	CheckPubkey(ctx context.Context, fingerprint string) (int64, bool, error)
	InsertPubkey(ctx context.Context, keyType, fingerprint, data string, bits int) (int64, error)
	InsertAttemptPubkey(ctx context.Context, attemptID, pubkeyID int64) error
}

// Reconnector is implemented by callers that can hand the worker a fresh
// database connection after a transient error. In production it reopens
// a *store.DB using the configured DSN; tests can substitute a stub.
type Reconnector func() (Store, error)

// Worker handles a single sensor's connection for its lifetime: every
// session has its own worker, its own caches, and its own view of the
// database, mirroring one thread per connection in the reference.
type Worker struct {
	Logger          zerolog.Logger
	Blacklist       *blacklist.Blacklist
	Metrics         *bnmetrics.Set
	SessionInterval time.Duration
	TestMode        bool
	Reconnect       Reconnector

	name string
	db   Store

	atkCache map[uint32]store.Attacker
	ses      map[uint32]store.Session
	keyCache map[string]int64

	dropped  uint64
	accepted uint64

	lastMySQLErr string
}

// errBlacklisted is returned by checkBlacklist, and is not logged as an
// error by the caller: it's expected traffic, not a failure.
var errBlacklisted = errors.New("blacklisted user")

// NewWorker creates a worker for one accepted sensor connection. peerName
// is the sensor's identity: its TLS client certificate CommonName, or
// "local" for UNIX socket connections until a CLIENT_NAME frame renames
// it.
func NewWorker(peerName string, db Store, reconnect Reconnector, bl *blacklist.Blacklist, m *bnmetrics.Set, sessionInterval time.Duration, testMode bool, logger zerolog.Logger) *Worker {
	return &Worker{
		Logger:          logger,
		Blacklist:       bl,
		Metrics:         m,
		SessionInterval: sessionInterval,
		TestMode:        testMode,
		Reconnect:       reconnect,
		name:            peerName,
		db:              db,
		atkCache:        map[uint32]store.Attacker{},
		ses:             map[uint32]store.Session{},
		keyCache:        map[string]int64{},
	}
}

// Name is the worker's current sensor name (may change via CLIENT_NAME).
func (w *Worker) Name() string { return w.name }

// Handle processes one decoded frame and reports whether the connection
// should stay open: false after a GOODBYE or an invalid HELLO. reply is
// called to send frames back to the sensor (PONG/GOODBYE).
func (w *Worker) Handle(ctx context.Context, f wire.Frame, reply func(wire.MsgType, any) error) (keepGoing bool) {
	switch f.Type {
	case wire.Hello:
		tok, _ := f.Data.(string)
		if tok != wire.HelloToken {
			w.Logger.Error().Str("sensor", w.name).Msg("buggy hello token")
			return false
		}
		return true

	case wire.ClientName:
		name, _ := f.Data.(string)
		if name != "" && name != w.name {
			w.Logger.Info().Str("old", w.name).Str("new", name).Msg("renaming sensor")
			w.name = name
		}
		return true

	case wire.Ping:
		if err := reply(wire.Pong, nil); err != nil {
			w.Logger.Warn().Err(err).Msg("failed to respond to ping")
		}
		return true

	case wire.Goodbye:
		reply(wire.Goodbye, nil)
		return false

	case wire.SSHCredential:
		w.handleCredential(ctx, f.Data)
		return true

	case wire.SSHPublicKey:
		w.handlePublicKey(ctx, f.Data)
		return true

	default:
		w.Logger.Error().Int("msgtype", int(f.Type)).Msg("unknown msgtype")
		return true
	}
}

func (w *Worker) handleCredential(ctx context.Context, raw any) {
	cred, err := wire.DecodeCredential(raw)
	if err != nil {
		w.Logger.Warn().Err(err).Msg("malformed credential frame")
		return
	}
	if w.TestMode {
		cred.Client = "1.0.204.42"
	}
	if _, _, _, err := w.recordAttempt(ctx, cred.Client, cred.User, &cred.Password, cred.Version, time.Unix(cred.Time, 0)); err != nil {
		w.logDropped(cred.User, cred.Client, cred.Version, err)
		return
	}
	w.accepted++
}

func (w *Worker) handlePublicKey(ctx context.Context, raw any) {
	key, err := wire.DecodePublicKey(raw)
	if err != nil {
		w.Logger.Warn().Err(err).Msg("malformed public key frame")
		return
	}
	if w.TestMode {
		key.Client = "1.0.204.42"
	}
	_, _, attID, err := w.recordAttempt(ctx, key.Client, key.User, nil, key.Version, time.Unix(key.Time, 0))
	if err != nil {
		w.logDropped(key.User, key.Client, key.Version, err)
		return
	}
	if err := w.retryDB(ctx, func(ctx context.Context, db Store) error {
		return w.addPubkey(ctx, db, key, attID)
	}); err != nil {
		w.logDropped(key.User, key.Client, key.Version, fmt.Errorf("pubkey: %w", err))
		return
	}
	w.accepted++
}

func (w *Worker) logDropped(user, client, version string, err error) {
	w.dropped++
	if errors.Is(err, errBlacklisted) {
		w.Logger.Info().Str("user", user).Str("client", client).Str("version", version).Msg(err.Error())
	} else {
		w.Logger.Info().Err(err).Str("user", user).Str("client", client).Msg("credential error")
	}
	if w.Metrics != nil {
		w.Metrics.IngestDropped.Inc()
	}
}

// recordAttempt runs the attacker/session/attempt insert-or-update
// sequence shared by credential and public-key attempts.
func (w *Worker) recordAttempt(ctx context.Context, client, user string, password *string, version string, t time.Time) (atkID uint32, sesID int64, attID int64, err error) {
	if err = w.checkBlacklist(user); err != nil {
		return
	}

	ipAddr, perr := netip.ParseAddr(client)
	if perr != nil {
		err = fmt.Errorf("invalid client ip %q", client)
		return
	}
	addr, ok := bnutil.IPToUint32(ipAddr)
	if !ok {
		err = fmt.Errorf("non-ipv4 client ip %q", client)
		return
	}
	atkID = addr

	if err = w.retryDB(ctx, func(ctx context.Context, db Store) error {
		return w.touchAttacker(ctx, db, atkID, client, t)
	}); err != nil {
		return
	}

	if err = w.retryDB(ctx, func(ctx context.Context, db Store) error {
		var serr error
		sesID, serr = w.touchSession(ctx, db, atkID, t)
		return serr
	}); err != nil {
		return
	}

	if err = w.retryDB(ctx, func(ctx context.Context, db Store) error {
		var aerr error
		attID, aerr = db.InsertAttempt(ctx, atkID, sesID, user, password, w.name, t, version)
		return aerr
	}); err != nil {
		return
	}

	if w.Metrics != nil {
		w.Metrics.IngestAccepted.Inc()
	}
	return atkID, sesID, attID, nil
}

func (w *Worker) checkBlacklist(user string) error {
	if w.Blacklist == nil {
		return nil
	}
	if w.Blacklist.Has(w.name, user) {
		return fmt.Errorf("%w: %s from sensor %s", errBlacklisted, user, w.name)
	}
	return nil
}

func (w *Worker) touchAttacker(ctx context.Context, db Store, atkID uint32, ip string, t time.Time) error {
	atk, cached := w.atkCache[atkID]
	hit := cached
	if !cached {
		var ok bool
		var err error
		atk, ok, err = db.CheckAttacker(ctx, atkID)
		if err != nil {
			return err
		}
		if !ok {
			locID, err := db.GetLocID(ctx, atkID)
			if err != nil {
				return err
			}
			if locID == store.DefaultLocID {
				w.Logger.Info().Str("ip", ip).Msg("no geolocation for client")
			}
			dns := bnutil.Hostname(bnutil.Uint32ToIP(atkID))
			if err := db.InsertAttacker(ctx, atkID, ip, dns, t, t, locID); err != nil {
				return err
			}
			atk = store.Attacker{ID: atkID, FirstSeen: t, LastSeen: t}
		}
		w.atkCache[atkID] = atk
	}
	if w.Metrics != nil {
		w.Metrics.CacheResult("attacker", hit)
	}

	if !atk.FirstSeen.IsZero() && t.Before(atk.FirstSeen) {
		atk.FirstSeen = t
		w.atkCache[atkID] = atk
		if err := db.UpdateAttackerFirstSeen(ctx, atkID, t); err != nil {
			return err
		}
	}
	if !atk.LastSeen.IsZero() && t.After(atk.LastSeen) {
		atk.LastSeen = t
		w.atkCache[atkID] = atk
		if err := db.UpdateAttackerLastSeen(ctx, atkID, t); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) touchSession(ctx context.Context, db Store, atkID uint32, t time.Time) (int64, error) {
	ses, hit := w.ses[atkID]
	if !hit {
		found, ok, err := db.CheckSession(ctx, atkID, w.name)
		if err != nil {
			return 0, err
		}
		if ok {
			ses = found
		}
	}
	if w.Metrics != nil {
		w.Metrics.CacheResult("session", hit)
	}

	limit := ses.LastAttempt.Add(w.SessionInterval)
	if ses.ID == 0 || t.After(limit) {
		id, err := db.InsertSession(ctx, atkID, t, t, w.name)
		if err != nil {
			return 0, err
		}
		ses = store.Session{ID: id, LastAttempt: t}
	} else {
		if err := db.UpdateSessionLastSeen(ctx, ses.ID, t); err != nil {
			return 0, err
		}
		ses.LastAttempt = t
	}
	w.ses[atkID] = ses
	return ses.ID, nil
}

func (w *Worker) addPubkey(ctx context.Context, db Store, key wire.PublicKey, attID int64) error {
	id, hit := w.keyCache[key.Fingerprint]
	if !hit {
		found, ok, err := db.CheckPubkey(ctx, key.Fingerprint)
		if err != nil {
			return err
		}
		if ok {
			id = found
		} else {
			id, err = db.InsertPubkey(ctx, key.KeyType, key.Fingerprint, key.KeyBase64, key.KeySize)
			if err != nil {
				return err
			}
		}
		w.keyCache[key.Fingerprint] = id
	}
	if w.Metrics != nil {
		w.Metrics.CacheResult("pubkey", hit)
	}
	return db.InsertAttemptPubkey(ctx, attID, id)
}

// retryDB runs fn against the current database handle, at most
// maxDBRetries times in total, reconnecting after each connection-level
// error. A
// non-connection error (a bad query, a constraint violation) is returned
// immediately without retrying, since reconnecting won't fix it.
func (w *Worker) retryDB(ctx context.Context, fn func(context.Context, Store) error) error {
	var lastErr error
	for i := 0; i < maxDBRetries; i++ {
		err := fn(ctx, w.db)
		if err == nil {
			w.lastMySQLErr = ""
			return nil
		}
		if !store.Reconnectable(err) {
			return err
		}
		if msg := err.Error(); msg != w.lastMySQLErr {
			w.lastMySQLErr = msg
			w.Logger.Warn().Err(err).Msg("database error, reconnecting")
		}
		if w.Metrics != nil {
			w.Metrics.DBRetries.Inc()
		}
		lastErr = err
		if w.Reconnect == nil {
			break
		}
		db, rerr := w.Reconnect()
		if rerr != nil {
			lastErr = rerr
			continue
		}
		w.db = db
	}
	return lastErr
}


// RefreshGeoMetrics re-derives the geo metrics breakdown from the current
// attacker/location tables. It's meant to be called periodically (e.g.
// hourly) rather than per-attempt, since it scans every attacker.
func RefreshGeoMetrics(ctx context.Context, db *store.DB, m *bnmetrics.Set) error {
	locs, err := db.GetAttackersLocation(ctx)
	if err != nil {
		return fmt.Errorf("list attacker locations: %w", err)
	}
	coords, err := db.GetLocationCoords(ctx)
	if err != nil {
		return fmt.Errorf("list location coordinates: %w", err)
	}
	for _, locID := range locs {
		if c, ok := coords[locID]; ok {
			m.ObserveLocation(c.Latitude, c.Longitude)
		}
	}
	return nil
}
