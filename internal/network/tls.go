package network

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"time"

	"meshnode/internal/neighborhood"
)

const ALPN = "mesh-gossip"

var ErrPeerKeyMismatch = errors.New("peer certificate does not match expected key")

// nodeCert self-signs a certificate for the node's identity key, so the TLS
// leaf public key is the neighborhood key.
func nodeCert(priv ed25519.PrivateKey) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"mesh-node"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}

func serverTLSConfig(priv ed25519.PrivateKey) (*tls.Config, error) {
	cert, err := nodeCert(priv)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// clientTLSConfig accepts only a leaf certificate carrying expect. An empty
// expect accepts any peer.
func clientTLSConfig(expect neighborhood.PublicKey) *tls.Config {
	return &tls.Config{
		// Self-signed node certificates; identity is checked below instead.
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if expect.IsZero() {
				return nil
			}
			return verifyPeerKey(rawCerts, expect)
		},
	}
}

func verifyPeerKey(rawCerts [][]byte, expect neighborhood.PublicKey) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: no certificate", ErrPeerKeyMismatch)
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return err
	}
	pub, ok := leaf.PublicKey.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("%w: not an ed25519 certificate", ErrPeerKeyMismatch)
	}
	if !bytes.Equal(pub, expect.Bytes()) {
		return fmt.Errorf("%w: got %s", ErrPeerKeyMismatch, neighborhood.PublicKeyFromBytes(pub))
	}
	return nil
}
