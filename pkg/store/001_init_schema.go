package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	stmts := []string{
		`CREATE TABLE attackers (
			id         BIGINT UNSIGNED NOT NULL PRIMARY KEY,
			ip         VARCHAR(45) NOT NULL,
			dns        VARCHAR(255),
			first_seen DATETIME NOT NULL,
			last_seen  DATETIME NOT NULL,
			locId      INT UNSIGNED NOT NULL DEFAULT 0,
			n_attempts INT UNSIGNED NOT NULL DEFAULT 0,
			KEY attackers_locid_idx (locId)
		) ENGINE=InnoDB;`,
		`CREATE TABLE sessions (
			id            BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
			attacker_id   BIGINT UNSIGNED NOT NULL,
			first_attempt DATETIME NOT NULL,
			last_attempt  DATETIME NOT NULL,
			target        VARCHAR(255) NOT NULL,
			n_attempts    INT UNSIGNED NOT NULL DEFAULT 0,
			KEY sessions_attacker_target_idx (attacker_id, target, last_attempt),
			CONSTRAINT sessions_attacker_fk FOREIGN KEY (attacker_id) REFERENCES attackers (id)
		) ENGINE=InnoDB;`,
		`CREATE TABLE attempts (
			id          BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
			attacker_id BIGINT UNSIGNED NOT NULL,
			session_id  BIGINT UNSIGNED NOT NULL,
			user        VARCHAR(255) NOT NULL,
			password    VARCHAR(255),
			target      VARCHAR(255) NOT NULL,
			date        DATETIME NOT NULL,
			client      VARCHAR(255),
			KEY attempts_attacker_idx (attacker_id),
			KEY attempts_session_idx (session_id),
			CONSTRAINT attempts_attacker_fk FOREIGN KEY (attacker_id) REFERENCES attackers (id),
			CONSTRAINT attempts_session_fk FOREIGN KEY (session_id) REFERENCES sessions (id)
		) ENGINE=InnoDB;`,
		`CREATE TABLE pubkeys (
			id          BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
			name        VARCHAR(64) NOT NULL,
			fingerprint VARCHAR(64) NOT NULL,
			data        TEXT NOT NULL,
			bits        INT UNSIGNED NOT NULL DEFAULT 0,
			UNIQUE KEY pubkeys_fingerprint_idx (fingerprint)
		) ENGINE=InnoDB;`,
		`CREATE TABLE attempts_pubkeys (
			attempt_id BIGINT UNSIGNED NOT NULL,
			pubkey_id  BIGINT UNSIGNED NOT NULL,
			PRIMARY KEY (attempt_id, pubkey_id),
			CONSTRAINT attempts_pubkeys_attempt_fk FOREIGN KEY (attempt_id) REFERENCES attempts (id),
			CONSTRAINT attempts_pubkeys_pubkey_fk FOREIGN KEY (pubkey_id) REFERENCES pubkeys (id)
		) ENGINE=InnoDB;`,
		`CREATE TABLE blocks (
			startIpNum BIGINT UNSIGNED NOT NULL,
			endIpNum   BIGINT UNSIGNED NOT NULL,
			locId      INT UNSIGNED NOT NULL,
			KEY blocks_range_idx (startIpNum, endIpNum)
		) ENGINE=InnoDB;`,
		`CREATE TABLE locations (
			locId      INT UNSIGNED NOT NULL PRIMARY KEY,
			country    VARCHAR(2),
			region     VARCHAR(255),
			city       VARCHAR(255),
			postalCode VARCHAR(32),
			latitude   DOUBLE,
			longitude  DOUBLE,
			metroCode  VARCHAR(32),
			areaCode   VARCHAR(32)
		) ENGINE=InnoDB;`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	stmts := []string{
		`DROP TABLE attempts_pubkeys`,
		`DROP TABLE attempts`,
		`DROP TABLE pubkeys`,
		`DROP TABLE sessions`,
		`DROP TABLE attackers`,
		`DROP TABLE blocks`,
		`DROP TABLE locations`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("drop table: %w", err)
		}
	}
	return nil
}
