// Package acceptor implements a multi-listener TCP/UNIX accept loop with
// dynamic reconfiguration and a periodic timeout callback, replacing the
// reference implementation's single select(2) call over a set of raw
// sockets (Go has no portable equivalent over heterogeneous listener fds).
package acceptor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Spec describes one interface to listen on: either "host:port" for TCP, or
// an absolute path for a UNIX socket.
type Spec string

func (s Spec) isUnix() bool { return strings.HasPrefix(string(s), "/") }

// Permissions describes ownership/mode to apply to UNIX sockets after bind,
// mirroring the reference's listen_owner/listen_group/listen_mode config.
type Permissions struct {
	Owner string
	Group string
	Mode  os.FileMode // 0 means "don't chmod"
}

func (p Permissions) apply(path string) error {
	if p.Owner != "" || p.Group != "" {
		uid, gid := os.Getuid(), os.Getgid()
		if p.Owner != "" {
			u, err := user.Lookup(p.Owner)
			if err != nil {
				return fmt.Errorf("lookup owner %q: %w", p.Owner, err)
			}
			uid, _ = strconv.Atoi(u.Uid)
		}
		if p.Group != "" {
			g, err := user.LookupGroup(p.Group)
			if err != nil {
				return fmt.Errorf("lookup group %q: %w", p.Group, err)
			}
			gid, _ = strconv.Atoi(g.Gid)
		}
		if err := os.Chown(path, uid, gid); err != nil {
			return fmt.Errorf("chown %q: %w", path, err)
		}
	}
	if p.Mode != 0 {
		if err := os.Chmod(path, p.Mode); err != nil {
			return fmt.Errorf("chmod %q: %w", path, err)
		}
	}
	return nil
}

type accepted struct {
	conn net.Conn
	spec Spec
}

// Acceptor multiplexes accepts across a dynamically reconfigurable set of
// TCP and UNIX listeners.
type Acceptor struct {
	Logger      zerolog.Logger
	Permissions Permissions

	mu        sync.Mutex
	listeners map[Spec]net.Listener
	acceptCh  chan accepted
}

// New creates an empty Acceptor. Call Reconfigure to start listening.
func New(logger zerolog.Logger) *Acceptor {
	return &Acceptor{
		Logger:    logger,
		listeners: map[Spec]net.Listener{},
		acceptCh:  make(chan accepted, 16),
	}
}

// Reconfigure starts listening on any spec in want not already active, and
// stops listening on any active spec not in want, mirroring the reference's
// diff-based _listen_start_stop. UNIX socket permissions are re-applied on
// specs that remain active, since listen_owner/listen_group/listen_mode may
// have changed across a reload.
func (a *Acceptor) Reconfigure(want []Spec) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	wantSet := make(map[Spec]bool, len(want))
	for _, s := range want {
		wantSet[s] = true
	}

	for s := range a.listeners {
		if !wantSet[s] {
			a.stopLocked(s)
		}
	}

	var firstErr error
	for _, s := range want {
		if _, ok := a.listeners[s]; ok {
			if s.isUnix() {
				if err := a.Permissions.apply(string(s)); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			continue
		}
		if err := a.startLocked(s); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("start listener %s: %w", s, err)
		}
	}
	return firstErr
}

func (a *Acceptor) startLocked(s Spec) error {
	var ln net.Listener
	var err error

	if s.isUnix() {
		os.Remove(string(s))
		ln, err = net.Listen("unix", string(s))
		if err != nil {
			return err
		}
		if perr := a.Permissions.apply(string(s)); perr != nil {
			ln.Close()
			return perr
		}
	} else {
		ln, err = net.Listen("tcp", string(s))
		if err != nil {
			return err
		}
	}

	a.listeners[s] = ln
	a.Logger.Info().Str("interface", string(s)).Msg("starting interface")

	go func() {
		var retryDelay time.Duration
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				// Transient accept errors (EMFILE, ECONNABORTED, ...) must not
				// kill the listener: log and keep accepting, backing off
				// briefly so a persistent error doesn't spin the CPU.
				if retryDelay == 0 {
					retryDelay = 5 * time.Millisecond
				} else {
					retryDelay *= 2
				}
				if max := time.Second; retryDelay > max {
					retryDelay = max
				}
				a.Logger.Warn().Str("interface", string(s)).Err(err).Dur("retry", retryDelay).Msg("accept error")
				time.Sleep(retryDelay)
				continue
			}
			retryDelay = 0
			select {
			case a.acceptCh <- accepted{conn, s}:
			default:
				a.acceptCh <- accepted{conn, s}
			}
		}
	}()
	return nil
}

func (a *Acceptor) stopLocked(s Spec) {
	ln, ok := a.listeners[s]
	if !ok {
		return
	}
	a.Logger.Info().Str("interface", string(s)).Msg("stopping interface")
	ln.Close()
	delete(a.listeners, s)
	if s.isUnix() {
		os.Remove(string(s))
	}
}

// Serve blocks, dispatching each accepted connection to onAccept along with
// the listener spec it arrived on. If no connection arrives within timeout,
// onTimeout is invoked and the wait resumes; timeout <= 0 disables the
// timeout callback. Serve returns only when the stop channel is closed;
// Close stops the listeners but does not make Serve return.
func (a *Acceptor) Serve(stop <-chan struct{}, timeout time.Duration, onTimeout func(), onAccept func(net.Conn, string)) {
	var timerC <-chan time.Time
	var timer *time.Timer
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	for {
		select {
		case <-stop:
			return
		case acc := <-a.acceptCh:
			if timer != nil {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(timeout)
			}
			onAccept(acc.conn, string(acc.spec))
		case <-timerC:
			if onTimeout != nil {
				onTimeout()
			}
			timer.Reset(timeout)
		}
	}
}

// Close stops all active listeners.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for s := range a.listeners {
		ln := a.listeners[s]
		if err := ln.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(a.listeners, s)
		if s.isUnix() {
			os.Remove(string(s))
		}
	}
	return errors.Join(errs...)
}

// ParseListen parses the comma-separated "listen" config value into specs,
// applying defaultPort to bare host or host:port entries without a port.
func ParseListen(s string, defaultPort int) ([]Spec, error) {
	var out []Spec
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "/") {
			out = append(out, Spec(part))
			continue
		}
		host, port, err := net.SplitHostPort(part)
		if err != nil {
			host = part
			port = strconv.Itoa(defaultPort)
		}
		out = append(out, Spec(net.JoinHostPort(host, port)))
	}
	return out, nil
}
