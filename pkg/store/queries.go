package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Attacker mirrors one row of the attackers table.
type Attacker struct {
	ID        uint32
	FirstSeen time.Time
	LastSeen  time.Time
}

// Session mirrors one row of the sessions table.
type Session struct {
	ID          int64
	LastAttempt time.Time
}

// InsertAttacker records a newly seen attacker.
func (db *DB) InsertAttacker(ctx context.Context, id uint32, ip, dns string, firstSeen, lastSeen time.Time, locID uint32) error {
	_, err := db.x.ExecContext(ctx, `
		INSERT INTO attackers (id, ip, dns, first_seen, last_seen, locId, n_attempts)
		VALUES (?, ?, ?, FROM_UNIXTIME(?), FROM_UNIXTIME(?), ?, 0)
	`, id, ip, dns, firstSeen.Unix(), lastSeen.Unix(), locID)
	if err != nil {
		return fmt.Errorf("insert attacker: %w", err)
	}
	return nil
}

// CheckAttacker fetches an attacker's first_seen/last_seen, or (zero, zero,
// false, nil) if it doesn't exist yet.
func (db *DB) CheckAttacker(ctx context.Context, id uint32) (Attacker, bool, error) {
	var row struct {
		FirstSeen int64 `db:"fs"`
		LastSeen  int64 `db:"ls"`
	}
	err := db.x.GetContext(ctx, &row, `
		SELECT UNIX_TIMESTAMP(first_seen) AS fs, UNIX_TIMESTAMP(last_seen) AS ls
		FROM attackers WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Attacker{}, false, nil
	}
	if err != nil {
		return Attacker{}, false, fmt.Errorf("check attacker: %w", err)
	}
	return Attacker{ID: id, FirstSeen: time.Unix(row.FirstSeen, 0), LastSeen: time.Unix(row.LastSeen, 0)}, true, nil
}

// UpdateAttackerFirstSeen moves first_seen earlier, if t predates it.
func (db *DB) UpdateAttackerFirstSeen(ctx context.Context, id uint32, t time.Time) error {
	_, err := db.x.ExecContext(ctx, `
		UPDATE attackers SET first_seen = FROM_UNIXTIME(?) WHERE id = ? AND first_seen > FROM_UNIXTIME(?)
	`, t.Unix(), id, t.Unix())
	return err
}

// UpdateAttackerLastSeen moves last_seen later, if t postdates it.
func (db *DB) UpdateAttackerLastSeen(ctx context.Context, id uint32, t time.Time) error {
	_, err := db.x.ExecContext(ctx, `
		UPDATE attackers SET last_seen = FROM_UNIXTIME(?) WHERE id = ? AND last_seen < FROM_UNIXTIME(?)
	`, t.Unix(), id, t.Unix())
	return err
}

// GetLocID finds the geolocation block covering id, or DefaultLocID.
func (db *DB) GetLocID(ctx context.Context, id uint32) (uint32, error) {
	var locID uint32
	err := db.x.GetContext(ctx, &locID, `
		SELECT locId FROM blocks WHERE ? BETWEEN startIpNum AND endIpNum LIMIT 1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultLocID, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get locid: %w", err)
	}
	return locID, nil
}

// InsertSession records a new attack session and returns its id.
func (db *DB) InsertSession(ctx context.Context, atkID uint32, firstAttempt, lastAttempt time.Time, target string) (int64, error) {
	res, err := db.x.ExecContext(ctx, `
		INSERT INTO sessions (attacker_id, first_attempt, last_attempt, target)
		VALUES (?, FROM_UNIXTIME(?), FROM_UNIXTIME(?), ?)
	`, atkID, firstAttempt.Unix(), lastAttempt.Unix(), target)
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	return res.LastInsertId()
}

// CheckSession finds the most recent session for an attacker/sensor pair.
func (db *DB) CheckSession(ctx context.Context, atkID uint32, sensor string) (Session, bool, error) {
	var row struct {
		ID          int64 `db:"id"`
		LastAttempt int64 `db:"la"`
	}
	err := db.x.GetContext(ctx, &row, `
		SELECT id, UNIX_TIMESTAMP(last_attempt) AS la FROM sessions
		WHERE attacker_id = ? AND target = ? ORDER BY last_attempt DESC LIMIT 1
	`, atkID, sensor)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("check session: %w", err)
	}
	return Session{ID: row.ID, LastAttempt: time.Unix(row.LastAttempt, 0)}, true, nil
}

// UpdateSessionLastSeen extends a session's last_attempt, if t is later.
func (db *DB) UpdateSessionLastSeen(ctx context.Context, sesID int64, t time.Time) error {
	_, err := db.x.ExecContext(ctx, `
		UPDATE sessions SET last_attempt = FROM_UNIXTIME(?) WHERE id = ? AND last_attempt < FROM_UNIXTIME(?)
	`, t.Unix(), sesID, t.Unix())
	return err
}

// InsertAttempt records a single credential attempt and returns its id.
// password is nil for public-key attempts.
func (db *DB) InsertAttempt(ctx context.Context, atkID uint32, sesID int64, user string, password *string, target string, t time.Time, client string) (int64, error) {
	res, err := db.x.ExecContext(ctx, `
		INSERT INTO attempts (attacker_id, session_id, user, password, target, date, client)
		VALUES (?, ?, ?, ?, ?, FROM_UNIXTIME(?), ?)
	`, atkID, sesID, user, password, target, t.Unix(), client)
	if err != nil {
		return 0, fmt.Errorf("insert attempt: %w", err)
	}
	return res.LastInsertId()
}

// CheckPubkey finds an existing public key's id by fingerprint.
func (db *DB) CheckPubkey(ctx context.Context, fingerprint string) (int64, bool, error) {
	var id int64
	err := db.x.GetContext(ctx, &id, `SELECT id FROM pubkeys WHERE fingerprint = ?`, fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("check pubkey: %w", err)
	}
	return id, true, nil
}

// InsertPubkey records a new public key and returns its id.
func (db *DB) InsertPubkey(ctx context.Context, keyType, fingerprint, data string, bits int) (int64, error) {
	res, err := db.x.ExecContext(ctx, `
		INSERT INTO pubkeys (name, fingerprint, data, bits) VALUES (?, ?, ?, ?)
	`, keyType, fingerprint, data, bits)
	if err != nil {
		return 0, fmt.Errorf("insert pubkey: %w", err)
	}
	return res.LastInsertId()
}

// InsertAttemptPubkey links a credential attempt to the public key it used.
func (db *DB) InsertAttemptPubkey(ctx context.Context, attemptID, pubkeyID int64) error {
	_, err := db.x.ExecContext(ctx, `
		INSERT INTO attempts_pubkeys (attempt_id, pubkey_id) VALUES (?, ?)
	`, attemptID, pubkeyID)
	return err
}

// -- Maintenance queries, used by a separate geolocation-import/scrubber
// command rather than the ingest path. --

// Truncate empties the named table.
func (db *DB) Truncate(ctx context.Context, table string) error {
	_, err := db.x.ExecContext(ctx, "TRUNCATE `"+table+"`")
	return err
}

// Optimize runs OPTIMIZE TABLE on the named table.
func (db *DB) Optimize(ctx context.Context, table string) error {
	_, err := db.x.ExecContext(ctx, "OPTIMIZE TABLE `"+table+"`")
	return err
}

// GeoBlock is a single IP-range-to-location mapping row.
type GeoBlock struct {
	StartIPNum uint64
	EndIPNum   uint64
	LocID      uint32
}

// InsertBlock adds a geolocation IP range.
func (db *DB) InsertBlock(ctx context.Context, b GeoBlock) error {
	_, err := db.x.ExecContext(ctx, `
		INSERT INTO blocks (startIpNum, endIpNum, locId) VALUES (?, ?, ?)
	`, b.StartIPNum, b.EndIPNum, b.LocID)
	return err
}

// Location is a single geolocation row.
type Location struct {
	LocID      uint32
	Country    string
	Region     string
	City       string
	PostalCode string
	Latitude   float64
	Longitude  float64
	MetroCode  string
	AreaCode   string
}

// InsertLocation adds a geolocation row.
func (db *DB) InsertLocation(ctx context.Context, l Location) error {
	_, err := db.x.ExecContext(ctx, `
		INSERT INTO locations (locId, country, region, city, postalCode, latitude, longitude, metroCode, areaCode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.LocID, l.Country, l.Region, l.City, l.PostalCode, l.Latitude, l.Longitude, l.MetroCode, l.AreaCode)
	return err
}

// MissingAttackers finds attacker ids referenced by sessions but absent
// from the attackers table.
func (db *DB) MissingAttackers(ctx context.Context) ([]uint32, error) {
	var ids []uint32
	err := db.x.SelectContext(ctx, &ids, `
		SELECT DISTINCT attacker_id FROM sessions
		WHERE attacker_id NOT IN (SELECT id FROM attackers)
	`)
	return ids, err
}

// AttackerActivity summarizes an attacker's recorded attempts, used to
// recompute first_seen/last_seen/n_attempts after a bulk import.
type AttackerActivity struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Count     int
}

// RecomputeAttackerInfo derives an attacker's activity window and attempt
// count directly from the attempts table.
func (db *DB) RecomputeAttackerInfo(ctx context.Context, atkID uint32) (AttackerActivity, bool, error) {
	var row struct {
		First sql.NullInt64 `db:"first"`
		Last  sql.NullInt64 `db:"last"`
		Count int           `db:"cnt"`
	}
	err := db.x.GetContext(ctx, &row, `
		SELECT UNIX_TIMESTAMP(MIN(date)) AS first, UNIX_TIMESTAMP(MAX(date)) AS last, COUNT(*) AS cnt
		FROM attempts WHERE attacker_id = ? GROUP BY attacker_id LIMIT 1
	`, atkID)
	if errors.Is(err, sql.ErrNoRows) {
		return AttackerActivity{}, false, nil
	}
	if err != nil {
		return AttackerActivity{}, false, fmt.Errorf("recompute attacker info: %w", err)
	}
	return AttackerActivity{
		FirstSeen: time.Unix(row.First.Int64, 0),
		LastSeen:  time.Unix(row.Last.Int64, 0),
		Count:     row.Count,
	}, true, nil
}

// UpdateAttemptsCount sets the denormalized n_attempts count for an
// attacker or session row.
func (db *DB) UpdateAttemptsCount(ctx context.Context, table string, id int64, count int) error {
	_, err := db.x.ExecContext(ctx, "UPDATE `"+table+"` SET n_attempts = ? WHERE id = ?", count, id)
	return err
}

// GetAttackersLocation lists every attacker's current location id.
func (db *DB) GetAttackersLocation(ctx context.Context) (map[uint32]uint32, error) {
	rows, err := db.x.QueryxContext(ctx, `SELECT id, locId FROM attackers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[uint32]uint32{}
	for rows.Next() {
		var id, locID uint32
		if err := rows.Scan(&id, &locID); err != nil {
			return nil, err
		}
		out[id] = locID
	}
	return out, rows.Err()
}

// UpdateAttackerLocation sets an attacker's location id.
func (db *DB) UpdateAttackerLocation(ctx context.Context, atkID, locID uint32) error {
	_, err := db.x.ExecContext(ctx, `UPDATE attackers SET locId = ? WHERE id = ?`, locID, atkID)
	return err
}

// LocationCoords is the subset of the locations table needed to bucket an
// attacker into a geohash for metrics.
type LocationCoords struct {
	Latitude  float64
	Longitude float64
}

// GetLocationCoords loads every known location's coordinates, keyed by
// locId, for periodic geo metrics refreshes.
func (db *DB) GetLocationCoords(ctx context.Context) (map[uint32]LocationCoords, error) {
	rows, err := db.x.QueryxContext(ctx, `SELECT locId, latitude, longitude FROM locations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[uint32]LocationCoords{}
	for rows.Next() {
		var id uint32
		var c LocationCoords
		if err := rows.Scan(&id, &c.Latitude, &c.Longitude); err != nil {
			return nil, err
		}
		out[id] = c
	}
	return out, rows.Err()
}
