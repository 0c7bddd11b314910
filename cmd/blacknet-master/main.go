// Command blacknet-master accepts connections from blacknet-sensor
// instances over mutual TLS (or a local UNIX socket) and persists the
// credentials and public keys they harvest.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/blacknet-io/blacknet/pkg/acceptor"
	"github.com/blacknet-io/blacknet/pkg/bnconfig"
	"github.com/blacknet-io/blacknet/pkg/bnlife"
	"github.com/blacknet-io/blacknet/pkg/bnlog"
	"github.com/blacknet-io/blacknet/pkg/bnmetrics"
	"github.com/blacknet-io/blacknet/pkg/blacklist"
	"github.com/blacknet-io/blacknet/pkg/ingest"
	"github.com/blacknet-io/blacknet/pkg/store"
	"github.com/blacknet-io/blacknet/pkg/tlsutil"
	"github.com/blacknet-io/blacknet/pkg/wire"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}
	envFile := pflag.Arg(0)

	loadConfig := func() (bnconfig.MasterConfig, error) {
		var e []string
		if envFile == "" {
			e = os.Environ()
		} else {
			x, err := readEnv(envFile)
			if err != nil {
				return bnconfig.MasterConfig{}, fmt.Errorf("read env file: %w", err)
			}
			e = x
			if v, ok := os.LookupEnv("NOTIFY_SOCKET"); ok {
				e = append(e, "NOTIFY_SOCKET="+v)
			}
		}
		var c bnconfig.MasterConfig
		if err := c.UnmarshalEnv(e, false); err != nil {
			return bnconfig.MasterConfig{}, fmt.Errorf("parse config: %w", err)
		}
		return c, nil
	}

	c, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logCfg := bnlog.Config{
		Level: c.LogLevel, Stdout: c.LogStdout, StdoutPretty: c.LogStdoutPretty, StdoutLevel: c.LogStdoutLevel,
		File: c.LogFile, FileLevel: c.LogFileLevel, FileChmod: os.FileMode(c.LogFileChmod),
		FileGzipOnOpen: c.LogFileGzip,
	}
	if c.LogFileChown != nil {
		logCfg.FileChownSet = true
		logCfg.FileChownUID = c.LogFileChown[0]
		logCfg.FileChownGID = c.LogFileChown[1]
	}
	logger, reopenLog, err := bnlog.Configure(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: configure logging: %v\n", err)
		os.Exit(1)
	}

	db, err := store.Open(store.DSN{
		Socket: c.DBSocket, Host: c.DBHost, Port: c.DBPort,
		Username: c.DBUsername, Password: c.DBPassword, Database: c.DBDatabase,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to open database")
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if _, required, err := db.Version(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to check schema version")
		os.Exit(1)
	} else if err := db.MigrateUp(ctx, required); err != nil {
		logger.Error().Err(err).Msg("failed to migrate database")
		os.Exit(1)
	}

	buildTLSConfig := func(c *bnconfig.MasterConfig) (*tls.Config, error) {
		if c.Cert == "" {
			return nil, nil
		}
		return tlsutil.ServerTLSConfig(tlsutil.Config{CertFile: c.Cert, KeyFile: c.Key, CAFile: c.CAFile})
	}

	tlsConfig, err := buildTLSConfig(&c)
	if err != nil {
		logger.Error().Err(err).Msg("failed to configure tls")
		os.Exit(1)
	}

	bl := blacklist.New()
	reloadBlacklist := func(c *bnconfig.MasterConfig) {
		bl.Reset()
		bl.Load(blacklist.DefaultFiles(c.BlacklistFile))
	}
	reloadBlacklist(&c)

	m := bnmetrics.New()

	if c.MetricsAddr != "" {
		go serveMetrics(c.MetricsAddr, c.MetricsSecret, m, logger)
	}

	geoStop := make(chan struct{})
	go runGeoMetrics(geoStop, db, m, logger)
	defer close(geoStop)

	// cfg and tlsCfg are swapped wholesale on every SIGHUP reload; handleConn
	// reads through these so future connections see the latest database,
	// session, and TLS settings without a restart. An in-flight connection
	// keeps the session interval, test mode, and TLS settings it started
	// with, and picks up new database settings only when it reconnects.
	var cfg atomic.Pointer[bnconfig.MasterConfig]
	cfg.Store(&c)
	var tlsCfg atomic.Pointer[tls.Config]
	tlsCfg.Store(tlsConfig)

	acc := acceptor.New(logger)
	acc.Permissions = acceptor.Permissions{Owner: c.ListenOwner, Group: c.ListenGroup, Mode: os.FileMode(c.ListenMode)}
	if err := acc.Reconfigure(parseSpecs(c.Listen, 10443)); err != nil {
		logger.Error().Err(err).Msg("failed to start listeners")
		os.Exit(1)
	}
	defer acc.Close()

	ctxSig, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopReload := bnlife.NotifyReload(func() {
		bnlife.SDNotify(c.NotifySocket, "RELOADING=1")

		nc, err := loadConfig()
		if err != nil {
			logger.Error().Err(err).Msg("failed to reload config, keeping previous settings")
		} else {
			if ntls, err := buildTLSConfig(&nc); err != nil {
				logger.Error().Err(err).Msg("failed to reconfigure tls, keeping previous settings")
			} else {
				tlsCfg.Store(ntls)
			}

			acc.Permissions = acceptor.Permissions{Owner: nc.ListenOwner, Group: nc.ListenGroup, Mode: os.FileMode(nc.ListenMode)}
			if err := acc.Reconfigure(parseSpecs(nc.Listen, 10443)); err != nil {
				logger.Error().Err(err).Msg("failed to reconfigure listeners")
			}

			reloadBlacklist(&nc)
			cfg.Store(&nc)
			logger.Info().Strs("listen", nc.Listen).Msg("reloaded config")
		}

		reopenLog()
		bnlife.SDNotify(c.NotifySocket, "READY=1")
	})
	defer stopReload()

	var wg sync.WaitGroup
	stopCh := make(chan struct{})

	go func() {
		<-ctxSig.Done()
		close(stopCh)
	}()

	go bnlife.SDNotify(c.NotifySocket, "READY=1")
	logger.Info().Strs("listen", c.Listen).Msg("blacknet-master starting")

	acc.Serve(stopCh, 0, nil, func(conn net.Conn, spec string) {
		m.AcceptorAccepts.Inc()
		wg.Add(1)
		go func() {
			defer wg.Done()
			handleConn(conn, spec, &cfg, &tlsCfg, db, bl, m, logger)
		}()
	})

	bnlife.SDNotify(c.NotifySocket, "STOPPING=1")
	wg.Wait()
}

func parseSpecs(listen []string, defaultPort int) []acceptor.Spec {
	var specs []acceptor.Spec
	for _, l := range listen {
		s, _ := acceptor.ParseListen(l, defaultPort)
		specs = append(specs, s...)
	}
	return specs
}

func isUnixSpec(spec string) bool {
	return strings.HasPrefix(spec, "/")
}

func handleConn(conn net.Conn, spec string, cfg *atomic.Pointer[bnconfig.MasterConfig], tlsCfg *atomic.Pointer[tls.Config], db *store.DB, bl *blacklist.Blacklist, m *bnmetrics.Set, logger zerolog.Logger) {
	defer conn.Close()

	peerName := "local"
	if !isUnixSpec(spec) {
		tlsConfig := tlsCfg.Load()
		if tlsConfig == nil {
			logger.Error().Msg("refusing tcp connection: no tls certificate configured")
			return
		}
		tlsConn := tls.Server(conn, tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			logger.Warn().Err(err).Msg("tls handshake failed")
			return
		}
		conn = tlsConn
		if cn, err := tlsutil.PeerCommonName(tlsConn); err == nil {
			peerName = cn
		}
	}

	sessionLogger := logger.With().Str("sensor", peerName).Logger()
	sessionLogger.Info().Bool("tls", !isUnixSpec(spec)).Msg("starting session")
	defer sessionLogger.Info().Msg("stopping session")

	reconnect := func() (ingest.Store, error) {
		c := cfg.Load()
		return store.Open(store.DSN{
			Socket: c.DBSocket, Host: c.DBHost, Port: c.DBPort,
			Username: c.DBUsername, Password: c.DBPassword, Database: c.DBDatabase,
		})
	}

	c := cfg.Load()
	w := ingest.NewWorker(peerName, db, reconnect, bl, m, c.SessionInterval, c.TestMode, sessionLogger)

	var feeder wire.Feeder
	buf := make([]byte, 8192)
	ctx := context.Background()

	conn.SetDeadline(time.Time{})
	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			feeder.Feed(buf[:n])
		}

		for n > 0 {
			fr, ok, ferr := feeder.Next()
			if ferr != nil {
				sessionLogger.Warn().Err(ferr).Msg("protocol error")
				return
			}
			if !ok {
				break
			}
			if m != nil {
				m.FramesReceived.Inc()
			}
			keepGoing := w.Handle(ctx, fr, func(mt wire.MsgType, payload any) error {
				b, perr := wire.Pack(mt, payload)
				if perr != nil {
					return perr
				}
				_, werr := conn.Write(b)
				return werr
			})
			if !keepGoing {
				return
			}
		}

		if readErr != nil {
			return
		}
	}
}

// geoMetricsInterval matches the low churn rate of the locations table:
// geolocation data only changes when the importer reloads MaxMind blocks,
// not on every attempt.
const geoMetricsInterval = time.Hour

func runGeoMetrics(stop <-chan struct{}, db *store.DB, m *bnmetrics.Set, logger zerolog.Logger) {
	ctx := context.Background()
	if err := ingest.RefreshGeoMetrics(ctx, db, m); err != nil {
		logger.Warn().Err(err).Msg("failed to refresh geo metrics")
	}

	t := time.NewTicker(geoMetricsInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := ingest.RefreshGeoMetrics(ctx, db, m); err != nil {
				logger.Warn().Err(err).Msg("failed to refresh geo metrics")
			}
		}
	}
}

func serveMetrics(addr, secret string, m *bnmetrics.Set, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if secret != "" && r.URL.Query().Get("secret") != secret {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m.WritePrometheus(w)
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mp, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range mp {
		r = append(r, k+"="+v)
	}
	return r, nil
}
