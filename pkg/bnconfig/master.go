package bnconfig

import (
	"io/fs"
	"time"

	"github.com/rs/zerolog"
)

// MasterConfig contains the configuration for the blacknet-master binary.
// The env struct tag contains the environment variable name and the
// default value if missing, or empty (if not ?=). All string arrays are
// comma-separated.
type MasterConfig struct {
	// Comma-separated list of interfaces to listen on: "host:port" for TLS
	// TCP, or an absolute path for a local UNIX socket.
	Listen []string `env:"BLACKNET_LISTEN?=127.0.0.1:10443"`

	// Owner/group/mode to apply to UNIX sockets in Listen, after bind.
	ListenOwner string      `env:"BLACKNET_LISTEN_OWNER"`
	ListenGroup string      `env:"BLACKNET_LISTEN_GROUP"`
	ListenMode  fs.FileMode `env:"BLACKNET_LISTEN_MODE"`

	// Server certificate/key presented to connecting sensors.
	Cert string `env:"BLACKNET_CERT" sdcreds:"expand"`
	Key  string `env:"BLACKNET_KEY" sdcreds:"expand"`

	// CA bundle used to verify sensor client certificates.
	CAFile string `env:"BLACKNET_CAFILE" sdcreds:"expand"`

	// MySQL connection parameters.
	DBSocket   string `env:"BLACKNET_DB_SOCKET"`
	DBHost     string `env:"BLACKNET_DB_HOST?=127.0.0.1"`
	DBPort     int    `env:"BLACKNET_DB_PORT=3306"`
	DBUsername string `env:"BLACKNET_DB_USERNAME=blacknet"`
	DBPassword string `env:"BLACKNET_DB_PASSWORD" sdcreds:"load,trimspace"`
	DBDatabase string `env:"BLACKNET_DB_DATABASE=blacknet"`

	// Extra path to an additional blacklist file, appended to the standard
	// search locations.
	BlacklistFile string `env:"BLACKNET_BLACKLIST_FILE"`

	// Inactivity gap, as a Go duration string (e.g. "1h", "3600s"), after
	// which a new attack session is started for a returning attacker/sensor
	// pair.
	SessionInterval time.Duration `env:"BLACKNET_SESSION_INTERVAL=1h"`

	// When set, all incoming client IPs are overridden to a fixed test
	// address, for exercising the ingest pipeline without polluting
	// geolocation/attacker identity with real test traffic.
	TestMode bool `env:"BLACKNET_TEST_MODE"`

	// Secret token required as ?secret= to access /metrics, if set.
	MetricsSecret string `env:"BLACKNET_METRICS_SECRET" sdcreds:"load,trimspace"`
	// Address to serve /metrics on.
	MetricsAddr string `env:"BLACKNET_METRICS_ADDR"`

	LogLevel        zerolog.Level `env:"BLACKNET_LOG_LEVEL=info"`
	LogStdout       bool          `env:"BLACKNET_LOG_STDOUT=true"`
	LogStdoutPretty bool          `env:"BLACKNET_LOG_STDOUT_PRETTY"`
	LogStdoutLevel  zerolog.Level `env:"BLACKNET_LOG_STDOUT_LEVEL=trace"`
	LogFile         string        `env:"BLACKNET_LOG_FILE"`
	LogFileLevel    zerolog.Level `env:"BLACKNET_LOG_FILE_LEVEL=info"`
	LogFileChmod    fs.FileMode   `env:"BLACKNET_LOG_FILE_CHMOD"`
	LogFileChown    *UIDGID       `env:"BLACKNET_LOG_FILE_CHOWN"`
	LogFileGzip     bool          `env:"BLACKNET_LOG_FILE_GZIP=true"`

	// For sd-notify.
	NotifySocket string `env:"NOTIFY_SOCKET"`
}

// UnmarshalEnv unmarshals an array of environment variables into c, setting
// default values as appropriate. If incremental is true, default values
// will not be set for missing env vars, but only for empty ones.
func (c *MasterConfig) UnmarshalEnv(es []string, incremental bool) error {
	return unmarshalEnv(c, es, "BLACKNET_", []string{"NOTIFY_SOCKET"}, incremental)
}
