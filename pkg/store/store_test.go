package store

import (
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"
)

func TestDSNFormatSocket(t *testing.T) {
	dsn := DSN{Socket: "/run/mysqld/mysqld.sock", Username: "blacknet", Password: "hunter2", Database: "blacknet"}.format()
	if !strings.Contains(dsn, "unix(/run/mysqld/mysqld.sock)") {
		t.Fatalf("expected unix socket address in dsn, got %q", dsn)
	}
	if !strings.Contains(dsn, "blacknet:hunter2@") {
		t.Fatalf("expected credentials in dsn, got %q", dsn)
	}
}

func TestDSNFormatTCPDefaultPort(t *testing.T) {
	dsn := DSN{Host: "127.0.0.1", Username: "blacknet", Database: "blacknet"}.format()
	if !strings.Contains(dsn, "tcp(127.0.0.1:3306)") {
		t.Fatalf("expected default mysql port in dsn, got %q", dsn)
	}
}

func TestDSNFormatTCPExplicitPort(t *testing.T) {
	dsn := DSN{Host: "db.internal", Port: 3307, Username: "blacknet", Database: "blacknet"}.format()
	if !strings.Contains(dsn, "tcp(db.internal:3307)") {
		t.Fatalf("expected explicit mysql port in dsn, got %q", dsn)
	}
}

func TestReconnectableServerError(t *testing.T) {
	err := &mysql.MySQLError{Number: 1146, Message: "no such table"}
	if Reconnectable(err) {
		t.Fatalf("a query error should not be treated as reconnectable")
	}
}

func TestReconnectableConnectionError(t *testing.T) {
	err := &mysql.MySQLError{Number: 2006, Message: "server has gone away"}
	if !Reconnectable(err) {
		t.Fatalf("a gone-away error should be treated as reconnectable")
	}
}

func TestReconnectableNonMySQLError(t *testing.T) {
	if !Reconnectable(errPlain{"network is unreachable"}) {
		t.Fatalf("a non-MySQL error (e.g. from the transport) should be treated as reconnectable")
	}
}

func TestReconnectableNil(t *testing.T) {
	if Reconnectable(nil) {
		t.Fatalf("nil should not be reconnectable")
	}
}

func TestMigrationsRegistered(t *testing.T) {
	if _, ok := migrations[1]; !ok {
		t.Fatalf("expected migration 1 to be registered")
	}
}

type errPlain struct{ s string }

func (e errPlain) Error() string { return e.s }
