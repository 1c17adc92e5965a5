// internal/crypto/crypto.go
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// Mesh crypto
//
// - node identity: ed25519, the public key doubles as the neighborhood key
// - digests: SHA3-256 over the encoded message, signed raw
// -----------------------------------------------------------------------------

const (
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	DigestSize     = 32
)

var ErrBadDigest = errors.New("bad digest size")

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// -----------------------------------------------------------------------------
// Signatures
// -----------------------------------------------------------------------------

func GenKeypair() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func SignDigest(priv []byte, digest []byte) ([]byte, error) {
	if len(digest) != DigestSize {
		return nil, ErrBadDigest
	}
	if len(priv) != PrivateKeySize {
		return nil, errors.New("bad private key size")
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), digest), nil
}

func VerifyDigest(pub []byte, digest []byte, sig []byte) bool {
	if len(digest) != DigestSize || len(pub) != PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), digest, sig)
}

// PublicFromPrivate recovers the public half of an ed25519 private key.
func PublicFromPrivate(priv []byte) ([]byte, error) {
	if len(priv) != PrivateKeySize {
		return nil, errors.New("bad private key size")
	}
	pub := ed25519.PrivateKey(priv).Public().(ed25519.PublicKey)
	return []byte(pub), nil
}

// -----------------------------------------------------------------------------
// Key storage: <dir>/pub.hex, <dir>/priv.hex
// -----------------------------------------------------------------------------

func SaveKeypair(dir string, pub, priv []byte) error {
	if len(pub) == 0 || len(priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir string) ([]byte, []byte, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, nil, err
	}

	pub, err := hex.DecodeString(strings.TrimSpace(string(pubHex)))
	if err != nil || len(pub) != PublicKeySize {
		return nil, nil, fmt.Errorf("bad pub.hex")
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(privHex)))
	if err != nil || len(priv) != PrivateKeySize {
		return nil, nil, fmt.Errorf("bad priv.hex")
	}
	derived, _ := PublicFromPrivate(priv)
	if string(derived) != string(pub) {
		return nil, nil, fmt.Errorf("pub.hex does not match priv.hex")
	}
	return pub, priv, nil
}

// LoadOrCreateKeypair loads the keypair in dir, generating and saving a new
// one when none exists yet. created reports which happened.
func LoadOrCreateKeypair(dir string) (pub, priv []byte, created bool, err error) {
	pub, priv, err = LoadKeypair(dir)
	if err == nil {
		return pub, priv, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, nil, false, err
	}
	pub, priv, err = GenKeypair()
	if err != nil {
		return nil, nil, false, err
	}
	if err := SaveKeypair(dir, pub, priv); err != nil {
		return nil, nil, false, err
	}
	return pub, priv, true, nil
}
