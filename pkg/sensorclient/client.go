// Package sensorclient implements the sensor's outbound connection to the
// master: lazy connect, a reentrancy-free connect lock that is only ever
// taken inside (never around) the send lock, reconnect with a bounded
// number of immediate dial retries (there is no delay between them), and
// the HELLO/CLIENT_NAME handshake, PING/PONG heartbeat, and GOODBYE
// sequences.
package sensorclient

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/blacknet-io/blacknet/pkg/wire"
	"github.com/rs/zerolog"
)

// Defaults matching the reference implementation's constants.
const (
	DefaultConnRetries    = 3
	DefaultGoodbyeTimeout = 5 * time.Second
	DefaultPingTimeout    = 3 * time.Second
	DefaultSendRetries    = 2
	keepaliveIdle         = 15 * time.Second
	keepaliveInterval     = 30 * time.Second
)

// Client sends harvested SSH credentials and public keys to a master over a
// lazily-established connection, optionally wrapped in mutual TLS.
type Client struct {
	Addr           string // "host:port", or an absolute path for a UNIX socket
	TLSConfig      *tls.Config
	Name           string
	Logger         zerolog.Logger
	ConnRetries    int
	GoodbyeTimeout time.Duration
	PingTimeout    time.Duration

	// connMu is the non-reentrant equivalent of the reference's reentrant
	// connect-lock: connect() never calls itself, so there is no need for
	// actual reentrancy, only mutual exclusion between concurrent
	// connection attempts.
	connMu sync.Mutex
	conn   net.Conn
	hadErr bool

	// sendMu is the send-lock. It is taken only around a single send (and,
	// for ping, the matching read). connMu may be acquired while holding it
	// (sendRetry and Ping call getConn/Disconnect), but sendMu is NEVER
	// acquired while holding connMu, so the two locks always nest in the
	// same order and cannot deadlock each other.
	sendMu sync.Mutex
	feeder wire.Feeder
}

func (c *Client) isUnix() bool { return strings.HasPrefix(c.Addr, "/") }

// getConn returns the current connection, lazily connecting (and sending
// the handshake) if necessary.
func (c *Client) getConn() (net.Conn, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := c.dial()
	if err != nil {
		c.hadErr = true
		return nil, err
	}

	if c.hadErr {
		c.Logger.Info().Msg("client reconnected successfully")
	} else {
		c.Logger.Info().Msg("client connected successfully")
	}
	c.hadErr = false
	c.conn = conn

	if err := c.sendHandshakeLocked(conn); err != nil {
		conn.Close()
		c.conn = nil
		return nil, err
	}
	return conn, nil
}

func (c *Client) dial() (net.Conn, error) {
	tries := c.ConnRetries
	if tries <= 0 {
		tries = DefaultConnRetries
	}

	var lastErr error
	network := "tcp"
	if c.isUnix() {
		network = "unix"
	}

	for ; tries > 0; tries-- {
		conn, err := net.Dial(network, c.Addr)
		if err != nil {
			lastErr = err
			if !c.hadErr {
				c.Logger.Error().Err(err).Msg("socket error")
			}
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(keepaliveIdle)
			setDetailedKeepalive(tc)
		}

		if !c.isUnix() {
			// c.TLSConfig.ServerName is only non-empty when server_hostname was
			// explicitly configured; leave it as-is so an unset ServerName keeps
			// hostname verification disabled while still validating the chain
			// against the configured CA, matching sslif.py's check_hostname
			// toggle and client.py's server_hostname=None behavior.
			tlsConn := tls.Client(conn, c.TLSConfig)
			if err := tlsConn.Handshake(); err != nil {
				conn.Close()
				return nil, fmt.Errorf("tls handshake: %w", err)
			}
			return tlsConn, nil
		}
		return conn, nil
	}
	return nil, lastErr
}

// Disconnect closes the connection, optionally performing the GOODBYE
// handshake first.
func (c *Client) Disconnect(goodbye bool) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.disconnectLocked(goodbye)
}

// Reconfigure updates the master address and TLS settings, matching the
// reference client's reload behavior: if addr differs from the currently
// configured one, any open connection is dropped (with a GOODBYE) so the
// next send reconnects to the new address.
func (c *Client) Reconfigure(addr string, tlsConfig *tls.Config) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if addr == c.Addr {
		c.TLSConfig = tlsConfig
		return
	}
	c.disconnectLocked(true)
	c.Addr = addr
	c.TLSConfig = tlsConfig
}

func (c *Client) disconnectLocked(goodbye bool) {
	if c.conn == nil {
		return
	}
	if goodbye {
		func() {
			defer func() { recover() }()
			c.sendLocked(c.conn, wire.Goodbye, nil)
			c.recvGoodbyeLocked(c.conn)
		}()
	}
	c.conn.Close()
	c.conn = nil
}

func (c *Client) recvGoodbyeLocked(conn net.Conn) {
	timeout := c.GoodbyeTimeout
	if timeout <= 0 {
		timeout = DefaultGoodbyeTimeout
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		c.Logger.Info().Msg("client did not receive goodbye from server, quitting.")
		return
	}
	c.feeder.Feed(buf[:n])
	for {
		fr, ok, err := c.feeder.Next()
		if err != nil || !ok {
			return
		}
		if fr.Type == wire.Goodbye {
			c.Logger.Debug().Msg("client received goodbye acknowledgement.")
			return
		}
	}
}

func (c *Client) sendHandshakeLocked(conn net.Conn) error {
	if err := c.sendLocked(conn, wire.Hello, wire.HelloToken); err != nil {
		return err
	}
	if c.Name != "" {
		if err := c.sendLocked(conn, wire.ClientName, c.Name); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendLocked(conn net.Conn, t wire.MsgType, payload any) error {
	buf, err := wire.Pack(t, payload)
	if err != nil {
		return fmt.Errorf("pack message: %w", err)
	}
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// sendRetry sends a message, making at most DefaultSendRetries attempts in
// total and disconnecting after each failed one so the next attempt
// reconnects, matching the reference's _send_retry. If every attempt
// fails, the message is dropped.
func (c *Client) sendRetry(t wire.MsgType, payload any) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	for tries := DefaultSendRetries; tries > 0; tries-- {
		conn, err := c.getConn()
		if err == nil {
			if err = c.sendLocked(conn, t, payload); err == nil {
				return
			}
		}
		c.Disconnect(false)
	}
}

// ReportCredential implements sshtrap.Reporter.
func (c *Client) ReportCredential(cred wire.Credential) {
	c.sendRetry(wire.SSHCredential, cred)
}

// ReportPublicKey implements sshtrap.Reporter.
func (c *Client) ReportPublicKey(key wire.PublicKey) {
	c.sendRetry(wire.SSHPublicKey, key)
}

// Ping sends a PING and waits for a PONG, disconnecting (without a GOODBYE
// exchange) if none arrives within PingTimeout.
func (c *Client) Ping() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	conn, err := c.getConn()
	if err != nil {
		c.Logger.Error().Err(err).Msg("ping error")
		return
	}
	if err := c.sendLocked(conn, wire.Ping, nil); err != nil {
		c.Logger.Error().Err(err).Msg("ping error")
		c.Disconnect(false)
		return
	}

	timeout := c.PingTimeout
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 4096)
	answered := false
	for !answered {
		n, err := conn.Read(buf)
		if err != nil {
			break
		}
		c.feeder.Feed(buf[:n])
		for {
			fr, ok, ferr := c.feeder.Next()
			if ferr != nil || !ok {
				break
			}
			if fr.Type == wire.Pong {
				c.Logger.Debug().Msg("client received pong acknowledgement.")
				answered = true
				break
			}
		}
	}
	if !answered {
		c.Logger.Info().Msg("client did not receive pong from server, disconnecting.")
		c.Disconnect(false)
	}
}
