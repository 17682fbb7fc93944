// Package security holds the ed25519 keys used to sign journal entries.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Key file names inside a key directory.
const (
	PublicKeyFile  = "journal.pub"
	PrivateKeyFile = "journal.key"
)

// KeyPair signs and identifies journal entries.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a new ed25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// Save writes both keys hex encoded into dir.
func (k KeyPair) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, PublicKeyFile), []byte(k.PublicHex()), 0o600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, PrivateKeyFile), []byte(hex.EncodeToString(k.Private)), 0o600)
}

// LoadKeyPair reads the keys written by Save.
func LoadKeyPair(dir string) (KeyPair, error) {
	priv, err := readHex(filepath.Join(dir, PrivateKeyFile), ed25519.PrivateKeySize)
	if err != nil {
		return KeyPair{}, err
	}
	pub, err := readHex(filepath.Join(dir, PublicKeyFile), ed25519.PublicKeySize)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: ed25519.PublicKey(pub), Private: ed25519.PrivateKey(priv)}, nil
}

func readHex(path string, size int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, errors.New("invalid key size in " + path)
	}
	return b, nil
}

func (k KeyPair) PublicHex() string { return hex.EncodeToString(k.Public) }

// Sign returns the hex signature of data.
func (k KeyPair) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(k.Private, data))
}

// VerifySignatureFromHex verifies sigHex over data with a hex encoded public key.
func VerifySignatureFromHex(pubHex string, data []byte, sigHex string) (bool, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, err
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, errors.New("invalid public key size")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}
