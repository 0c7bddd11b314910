// Package store implements the MySQL-backed persistence layer for
// attackers, sessions, credential/public-key attempts, and the
// geolocation tables used to annotate them.
package store

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// DefaultLocID is used for attackers that cannot be geolocated.
const DefaultLocID = 0

// DB stores harvested attack data in a MySQL database.
type DB struct {
	x *sqlx.DB
}

// DSN describes how to connect to the backing MySQL server.
type DSN struct {
	Socket   string
	Host     string
	Port     int
	Username string
	Password string
	Database string
}

func (d DSN) format() string {
	c := mysql.NewConfig()
	c.User = d.Username
	c.Passwd = d.Password
	c.DBName = d.Database
	c.ParseTime = true
	c.Loc = nil
	if d.Socket != "" {
		c.Net = "unix"
		c.Addr = d.Socket
	} else {
		c.Net = "tcp"
		port := d.Port
		if port == 0 {
			port = 3306
		}
		c.Addr = fmt.Sprintf("%s:%d", d.Host, port)
	}
	return c.FormatDSN()
}

// Open opens a DB using the given DSN.
func Open(d DSN) (*DB, error) {
	x, err := sqlx.Connect("mysql", d.format())
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return &DB{x}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.x.Close()
}

// Reconnectable reports whether err looks like a connection-level MySQL
// error worth retrying against a fresh connection, as opposed to a query
// error that will recur regardless of reconnecting.
func Reconnectable(err error) bool {
	if err == nil {
		return false
	}
	var me *mysql.MySQLError
	if ok := asMySQLError(err, &me); ok {
		// Error codes in the 2000s are client/connection errors in the
		// driver's own numbering; server-reported errors are >= 1000.
		return me.Number == 0 || me.Number >= 2000
	}
	return true
}

func asMySQLError(err error, target **mysql.MySQLError) bool {
	return errors.As(err, target)
}
