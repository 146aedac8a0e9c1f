// Package tlsconf derives matching relay and client TLS settings from a
// shared passphrase, so a relay can serve wss:// without a CA.
//
// The private key is derived deterministically via HKDF so both sides produce
// the same key from the same passphrase. The certificate is generated with
// crypto/rand (not deterministic) but clients verify the relay's public key
// directly via VerifyPeerCertificate rather than pinning the cert itself.
//
// Same passphrase → public keys match → handshake succeeds.
// Different passphrases → public keys differ → handshake fails immediately.
//
// Key derivation:
//
//	HKDF-SHA256(ikm=passphrase, salt="cliprelay-tls-v1", info="private-key")
//	→ 64 bytes → reduced mod curve order → deterministic ECDSA P-256 key
package tlsconf

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/hkdf"
)

const serverName = "cliprelay"

// ErrKeyMismatch means the relay was started with a different passphrase.
var ErrKeyMismatch = errors.New("tlsconf: relay public key does not match passphrase")

// ServerConfig returns the relay listener's TLS configuration.
func ServerConfig(passphrase string) (*tls.Config, error) {
	key, err := deriveKey(passphrase)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: derive key: %w", err)
	}
	certDER, err := selfSignedCert(key)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: cert: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		}},
		NextProtos: []string{"http/1.1"},
		MinVersion: tls.VersionTLS13,
	}, nil
}

// ClientConfig returns a client TLS configuration that accepts only a relay
// holding the key derived from passphrase.
func ClientConfig(passphrase string) (*tls.Config, error) {
	key, err := deriveKey(passphrase)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: derive key: %w", err)
	}
	expectedPub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: marshal pubkey: %w", err)
	}

	return &tls.Config{
		// Chain verification is replaced by the public key check below.
		InsecureSkipVerify: true, //nolint:gosec
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS13,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("tlsconf: relay presented no certificate")
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("tlsconf: parse relay cert: %w", err)
			}
			pub, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
			if err != nil {
				return fmt.Errorf("tlsconf: marshal relay pubkey: %w", err)
			}
			if !bytes.Equal(pub, expectedPub) {
				return ErrKeyMismatch
			}
			return nil
		},
	}, nil
}

// deriveKey derives a deterministic ECDSA P-256 private key from passphrase.
func deriveKey(passphrase string) (*ecdsa.PrivateKey, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	r := hkdf.New(sha256.New, []byte(passphrase), []byte("cliprelay-tls-v1"), []byte("private-key"))
	buf := make([]byte, 64)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("hkdf read: %w", err)
	}

	curve := elliptic.P256()
	n := curve.Params().N
	k := new(big.Int).SetBytes(buf)
	k.Mod(k, new(big.Int).Sub(n, big.NewInt(1)))
	k.Add(k, big.NewInt(1)) // k ∈ [1, N-1]

	key := new(ecdsa.PrivateKey)
	key.PublicKey.Curve = curve
	key.D = k
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(k.Bytes())
	return key, nil
}

// selfSignedCert returns a DER certificate for key. Its contents don't matter
// for authentication; only the public key is checked by clients.
func selfSignedCert(key *ecdsa.PrivateKey) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: serverName},
		DNSNames:              []string{serverName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(100 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	return x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
}
