package bnconfig

import (
	"io/fs"

	"github.com/rs/zerolog"
)

// SensorConfig contains the configuration for the blacknet-sensor binary.
type SensorConfig struct {
	// Comma-separated list of interfaces to run the SSH honeypot on.
	Listen []string `env:"BLACKNET_SSH_LISTEN?=0.0.0.0:2200"`

	ListenOwner string      `env:"BLACKNET_SSH_LISTEN_OWNER"`
	ListenGroup string      `env:"BLACKNET_SSH_LISTEN_GROUP"`
	ListenMode  fs.FileMode `env:"BLACKNET_SSH_LISTEN_MODE"`

	// SSH banner to present to attackers.
	SSHBanner string `env:"BLACKNET_SSH_BANNER?=SSH-2.0-OpenSSH_6.7p1 Debian-5+deb8u3"`

	// Path to the RSA host key (generated on first run if missing).
	SSHHostKey string `env:"BLACKNET_SSH_HOSTKEY=/etc/blacknet/ssh_host_key"`

	// Number of authentication attempts to harvest per session before
	// forcing a disconnect.
	SSHAuthRetries int `env:"BLACKNET_SSH_AUTH_RETRIES=42"`

	// The address of the master to forward harvested credentials to:
	// "host:port" for a TLS TCP connection, or an absolute path for a
	// local UNIX socket (no TLS is used for UNIX sockets).
	Server string `env:"BLACKNET_SERVER?=127.0.0.1:10443"`

	// This sensor's name, sent via CLIENT_NAME. If empty, the master uses
	// the sensor's TLS client certificate CommonName.
	Name string `env:"BLACKNET_NAME"`

	// Client certificate/key presented to the master.
	Cert string `env:"BLACKNET_CERT" sdcreds:"expand"`
	Key  string `env:"BLACKNET_KEY" sdcreds:"expand"`

	// CA bundle used to verify the master's certificate.
	CAFile string `env:"BLACKNET_CAFILE" sdcreds:"expand"`

	// Expected hostname on the master's certificate. If empty, hostname
	// verification is skipped (mutual TLS via CA pinning is still
	// enforced).
	ServerHostname string `env:"BLACKNET_SERVER_HOSTNAME"`

	LogLevel        zerolog.Level `env:"BLACKNET_LOG_LEVEL=info"`
	LogStdout       bool          `env:"BLACKNET_LOG_STDOUT=true"`
	LogStdoutPretty bool          `env:"BLACKNET_LOG_STDOUT_PRETTY"`
	LogStdoutLevel  zerolog.Level `env:"BLACKNET_LOG_STDOUT_LEVEL=trace"`
	LogFile         string        `env:"BLACKNET_LOG_FILE"`
	LogFileLevel    zerolog.Level `env:"BLACKNET_LOG_FILE_LEVEL=info"`
	LogFileChmod    fs.FileMode   `env:"BLACKNET_LOG_FILE_CHMOD"`
	LogFileChown    *UIDGID       `env:"BLACKNET_LOG_FILE_CHOWN"`
	LogFileGzip     bool          `env:"BLACKNET_LOG_FILE_GZIP=true"`

	NotifySocket string `env:"NOTIFY_SOCKET"`
}

// UnmarshalEnv unmarshals an array of environment variables into c.
func (c *SensorConfig) UnmarshalEnv(es []string, incremental bool) error {
	return unmarshalEnv(c, es, "BLACKNET_", []string{"NOTIFY_SOCKET"}, incremental)
}
