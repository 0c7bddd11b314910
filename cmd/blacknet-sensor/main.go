// Command blacknet-sensor runs an SSH honeypot that forwards every
// credential and public key an attacker offers to a blacknet-master
// instance.
package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/spf13/pflag"

	"github.com/blacknet-io/blacknet/pkg/acceptor"
	"github.com/blacknet-io/blacknet/pkg/bnconfig"
	"github.com/blacknet-io/blacknet/pkg/bnlife"
	"github.com/blacknet-io/blacknet/pkg/bnlog"
	"github.com/blacknet-io/blacknet/pkg/sensorclient"
	"github.com/blacknet-io/blacknet/pkg/sshtrap"
	"github.com/blacknet-io/blacknet/pkg/tlsutil"
)

// pingInterval matches the reference sensor's keepalive ping cadence.
const pingInterval = 5 * time.Minute

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

	loadConfig := func() (bnconfig.SensorConfig, error) {
		var e []string
		if envFile == "" {
			e = os.Environ()
		} else {
			x, err := readEnv(envFile)
			if err != nil {
				return bnconfig.SensorConfig{}, fmt.Errorf("read env file: %w", err)
			}
			e = x
			if v, ok := os.LookupEnv("NOTIFY_SOCKET"); ok {
				e = append(e, "NOTIFY_SOCKET="+v)
			}
		}
		var c bnconfig.SensorConfig
		if err := c.UnmarshalEnv(e, false); err != nil {
			return bnconfig.SensorConfig{}, fmt.Errorf("parse config: %w", err)
		}
		return c, nil
	}

	c, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	// NOTIFY_SOCKET comes from the process environment, not a reloadable
	// config value; captured once so the reload goroutine never needs to
	// mutate the outer c that main still reads after Serve returns.
	notifySocket := c.NotifySocket

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

	hostKey, fingerprint, err := sshtrap.LoadOrGenerateHostKey(c.SSHHostKey)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load host key")
		os.Exit(1)
	}
	logger.Info().Str("fingerprint", fingerprint).Msg("using host key")

	buildClientTLS := func(c *bnconfig.SensorConfig) (*tls.Config, error) {
		if strings.HasPrefix(c.Server, "/") {
			return nil, nil
		}
		return tlsutil.ClientTLSConfig(tlsutil.Config{
			CertFile: c.Cert, KeyFile: c.Key, CAFile: c.CAFile, ServerName: c.ServerHostname,
		})
	}

	clientTLS, err := buildClientTLS(&c)
	if err != nil {
		logger.Error().Err(err).Msg("failed to configure tls")
		os.Exit(1)
	}

	client := &sensorclient.Client{
		Addr:      c.Server,
		TLSConfig: clientTLS,
		Name:      c.Name,
		Logger:    logger,
	}

	engine := &sshtrap.Engine{
		Banner:       c.SSHBanner,
		HostKey:      hostKey,
		MaxAuthTries: c.SSHAuthRetries,
		Reporter:     client,
		Logger:       logger,
	}

	acc := acceptor.New(logger)
	acc.Permissions = acceptor.Permissions{Owner: c.ListenOwner, Group: c.ListenGroup, Mode: os.FileMode(c.ListenMode)}
	if err := acc.Reconfigure(parseSpecs(c.Listen, 2200)); err != nil {
		logger.Error().Err(err).Msg("failed to start listeners")
		os.Exit(1)
	}
	defer acc.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	stopReload := bnlife.NotifyReload(func() {
		bnlife.SDNotify(notifySocket, "RELOADING=1")

		nc, err := loadConfig()
		if err != nil {
			logger.Error().Err(err).Msg("failed to reload config, keeping previous settings")
		} else {
			acc.Permissions = acceptor.Permissions{Owner: nc.ListenOwner, Group: nc.ListenGroup, Mode: os.FileMode(nc.ListenMode)}
			if err := acc.Reconfigure(parseSpecs(nc.Listen, 2200)); err != nil {
				logger.Error().Err(err).Msg("failed to reconfigure listeners")
			}

			ntls, err := buildClientTLS(&nc)
			if err != nil {
				logger.Error().Err(err).Msg("failed to reconfigure tls, keeping previous settings")
			} else {
				client.Reconfigure(nc.Server, ntls)
			}

			logger.Info().Strs("listen", nc.Listen).Msg("reloaded config")
		}

		reopenLog()
		bnlife.SDNotify(notifySocket, "READY=1")
	})
	defer stopReload()

	var pingTicker *time.Ticker
	if !strings.HasPrefix(c.Server, "/") {
		pingTicker = time.NewTicker(pingInterval)
		defer pingTicker.Stop()
		go func() {
			for range pingTicker.C {
				client.Ping()
			}
		}()
	}

	stopCh := make(chan struct{})
	go func() {
		<-sigCh
		close(stopCh)
	}()

	go bnlife.SDNotify(notifySocket, "READY=1")
	logger.Info().Strs("listen", c.Listen).Msg("blacknet-sensor starting")

	acc.Serve(stopCh, 0, nil, func(conn net.Conn, spec string) {
		go engine.Serve(conn)
	})

	bnlife.SDNotify(notifySocket, "STOPPING=1")
	client.Disconnect(true)
}

func parseSpecs(listen []string, defaultPort int) []acceptor.Spec {
	var specs []acceptor.Spec
	for _, l := range listen {
		s, _ := acceptor.ParseListen(l, defaultPort)
		specs = append(specs, s...)
	}
	return specs
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
