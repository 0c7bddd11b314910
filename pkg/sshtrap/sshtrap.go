// Package sshtrap implements the sensor-side SSH honeypot engine: a
// golang.org/x/crypto/ssh server that never grants access, harvesting every
// username/password or public key an attacker offers before forcing them
// off once they exceed the configured retry ceiling.
package sshtrap

import (
	"encoding/base64"
	"fmt"
	"net"
	"time"

	"github.com/blacknet-io/blacknet/pkg/bnutil"
	"github.com/blacknet-io/blacknet/pkg/wire"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// DefaultBanner matches the reference sensor's default SSH_BANNER: an old,
// believable OpenSSH version string attackers expect to see.
const DefaultBanner = "SSH-2.0-OpenSSH_6.7p1 Debian-5+deb8u3"

// DefaultMaxAuthTries is the reference BLACKNET_SSH_AUTH_RETRIES value: the
// number of authentication attempts collected before the session is torn
// down.
const DefaultMaxAuthTries = 42

// DefaultSessionTimeout is the reference BLACKNET_SSH_CLIENT_TIMEOUT: 20
// seconds per allowed auth try.
const DefaultSessionTimeout = 20 * time.Second * DefaultMaxAuthTries

// Reporter receives every credential and public key harvested from
// attacker sessions, forwarding them to the master.
type Reporter interface {
	ReportCredential(wire.Credential)
	ReportPublicKey(wire.PublicKey)
}

// Engine runs SSH honeypot sessions against accepted connections.
type Engine struct {
	Banner         string
	HostKey        ssh.Signer
	MaxAuthTries   int
	SessionTimeout time.Duration
	Reporter       Reporter
	Logger         zerolog.Logger
}

// errTooManyAttempts is returned by the auth callbacks once MaxAuthTries is
// reached. x/crypto/ssh treats any non-nil error from an auth callback as a
// single failed attempt, and its own failure limit is disabled in Serve so
// that ours is the one that applies; the callback therefore also closes the
// underlying connection itself to end the session.
var errTooManyAttempts = fmt.Errorf("too many authentication attempts")

// Serve runs one honeypot session to completion on conn, blocking until the
// attacker disconnects, the session exceeds SessionTimeout, or the attacker
// reaches MaxAuthTries. Handshake failures are logged at debug level and
// end the session; nothing is returned to the caller.
func (e *Engine) Serve(conn net.Conn) {
	defer conn.Close()

	peerIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if peerIP == "" {
		peerIP = conn.RemoteAddr().String()
	}

	maxTries := e.MaxAuthTries
	if maxTries <= 0 {
		maxTries = DefaultMaxAuthTries
	}

	var tries int

	common := func(user string) wire.Credential {
		return wire.Credential{
			Client: peerIP,
			User:   bnutil.SanitizeText(user),
			Time:   time.Now().Unix(),
		}
	}

	config := &ssh.ServerConfig{
		ServerVersion: e.Banner,
		// Unlimited on the library side (its default is 6); maxTries is
		// enforced by the callbacks below.
		MaxAuthTries: -1,
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			tries++
			cred := common(meta.User())
			cred.Version = bnutil.SanitizeText(string(meta.ClientVersion()))
			cred.Password = bnutil.SanitizeText(string(password))
			e.Reporter.ReportCredential(cred)
			if tries >= maxTries {
				conn.Close()
				return nil, errTooManyAttempts
			}
			return nil, fmt.Errorf("authentication failed")
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			tries++
			pk := wire.PublicKey{
				Client:      peerIP,
				User:        bnutil.SanitizeText(meta.User()),
				Version:     bnutil.SanitizeText(string(meta.ClientVersion())),
				Time:        time.Now().Unix(),
				KeyBase64:   marshalBase64(key),
				KeySize:     keyBits(key),
				Fingerprint: ssh.FingerprintSHA256(key),
				KeyType:     key.Type(),
			}
			e.Reporter.ReportPublicKey(pk)
			if tries >= maxTries {
				conn.Close()
				return nil, errTooManyAttempts
			}
			return nil, fmt.Errorf("authentication failed")
		},
		AuthLogCallback: func(meta ssh.ConnMetadata, method string, err error) {
			if e.Logger.GetLevel() <= zerolog.DebugLevel {
				e.Logger.Debug().Str("client", peerIP).Str("method", method).Msg("auth attempt")
			}
		},
	}
	config.AddHostKey(e.HostKey)

	timeout := e.SessionTimeout
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	conn.SetDeadline(time.Now().Add(timeout))

	sconn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		e.Logger.Debug().Str("client", peerIP).Err(err).Msg("ssh handshake ended")
		return
	}
	defer sconn.Close()

	go ssh.DiscardRequests(reqs)
	for ch := range chans {
		ch.Reject(ssh.Prohibited, "no channels are available")
	}
}

func marshalBase64(key ssh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(key.Marshal())
}

func keyBits(key ssh.PublicKey) int {
	// x/crypto/ssh doesn't expose a generic bit-size accessor; the wire
	// field is advisory only (harvested for the record, never acted on), so
	// approximate it from the marshaled key length.
	return len(key.Marshal()) * 8
}
