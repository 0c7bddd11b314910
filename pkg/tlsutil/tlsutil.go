// Package tlsutil builds the mutual TLS configuration shared by the sensor
// client and the master server: a fixed TLS 1.2+ cipher allowlist, required
// client certificate verification, and peer common-name extraction used as
// the sensor's identity before it sends CLIENT_NAME.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// CipherSuites is the fixed allowlist of ciphers blacknet negotiates,
// carried over from the reference OpenSSL cipher string so that sensors and
// masters running older and newer builds of this software stay compatible.
// Only entries representable as a Go TLS 1.2 cipher suite ID are listed;
// the DHE-RSA suites from the reference string have no Go constant and are
// dropped, which only narrows the allowlist.
var CipherSuites = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
}

// Config describes the certificate material needed to build a mutual TLS
// context: a certificate+key pair to present, and a CA bundle used to
// verify the peer.
type Config struct {
	CertFile string
	KeyFile  string
	CAFile   string

	// ServerName, if set, is verified against the peer's certificate. Only
	// meaningful for the client side; if empty, hostname verification is
	// disabled (matching the reference's check_hostname toggle).
	ServerName string
}

// ServerTLSConfig builds a tls.Config suitable for the master's listener:
// TLS 1.2 minimum, client certificates required and verified against CAFile.
func ServerTLSConfig(c Config) (*tls.Config, error) {
	cert, pool, err := loadCertAndPool(c)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		CipherSuites: CipherSuites,
	}, nil
}

// ClientTLSConfig builds a tls.Config suitable for the sensor's outbound
// connection to the master: it presents its own certificate and verifies
// the master's certificate against CAFile.
func ClientTLSConfig(c Config) (*tls.Config, error) {
	cert, pool, err := loadCertAndPool(c)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		CipherSuites: CipherSuites,
		ServerName:   c.ServerName,
	}
	if c.ServerName == "" {
		// crypto/tls refuses to verify without a ServerName, so verify the
		// chain against pool here, with no hostname check.
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return fmt.Errorf("no peer certificate presented")
			}
			opts := x509.VerifyOptions{Roots: pool, Intermediates: x509.NewCertPool()}
			for _, ic := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(ic)
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		}
	}
	return cfg, nil
}

func loadCertAndPool(c Config) (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("load certificate %q: %w", c.CertFile, err)
	}

	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("read ca bundle %q: %w", c.CAFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return tls.Certificate{}, nil, fmt.Errorf("parse ca bundle %q: no certificates found", c.CAFile)
	}
	return cert, pool, nil
}

// PeerCommonName extracts the CommonName from the verified peer certificate
// presented over conn, which is the sensor's identity until a CLIENT_NAME
// message overrides it.
func PeerCommonName(conn *tls.Conn) (string, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("no peer certificate presented")
	}
	return state.PeerCertificates[0].Subject.CommonName, nil
}
