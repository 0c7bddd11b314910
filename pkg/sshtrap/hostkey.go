package sshtrap

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// hostKeyBits is 2048 rather than the reference's 1024: no honeypot client
// depends on weak key sizes, and 2048-bit RSA interoperates with every SSH
// client that would ever connect to this sensor.
const hostKeyBits = 2048

// LoadOrGenerateHostKey loads an existing PEM-encoded RSA private key from
// path, generating and persisting a new one (plus a path+".pub" public key
// file) if it doesn't exist yet.
func LoadOrGenerateHostKey(path string) (ssh.Signer, string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := generateHostKey(path); err != nil {
			return nil, "", err
		}
	} else if err != nil {
		return nil, "", fmt.Errorf("stat host key: %w", err)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(buf)
	if err != nil {
		return nil, "", fmt.Errorf("parse host key: %w", err)
	}

	fp := ssh.FingerprintSHA256(signer.PublicKey())
	return signer, fp, nil
}

func generateHostKey(path string) error {
	key, err := rsa.GenerateKey(rand.Reader, hostKeyBits)
	if err != nil {
		return fmt.Errorf("generate host key: %w", err)
	}

	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("write host key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return fmt.Errorf("derive public key: %w", err)
	}
	pub := ssh.MarshalAuthorizedKey(signer.PublicKey())
	if err := os.WriteFile(path+".pub", pub, 0644); err != nil {
		return fmt.Errorf("write host public key: %w", err)
	}
	return nil
}
