package adbkey

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// KeySize is the RSA modulus size in bits used for ADB identities.
const KeySize = 2048

// Version identifies this client in banners and key labels.
const Version = "0.4.0"

// Key handling errors.
var (
	// ErrInvalidPEM indicates the key file is not valid PEM data.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrNotRSA indicates the PKCS#8 blob holds a non-RSA key.
	ErrNotRSA = errors.New("not an RSA private key")

	// ErrBadTokenSize indicates an AUTH token that is not a SHA-1 digest
	// length.
	ErrBadTokenSize = errors.New("auth token is not 20 bytes")
)

// Key is a persistent ADB RSA identity.
type Key struct {
	private *rsa.PrivateKey
}

// Generate creates a fresh random 2048-bit identity.
func Generate() (*Key, error) {
	private, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return &Key{private: private}, nil
}

// ParsePEM parses a PKCS#8 PEM private key.
func ParsePEM(data []byte) (*Key, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, ErrInvalidPEM
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#8 key: %w", err)
	}
	private, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSA
	}
	return &Key{private: private}, nil
}

// EncodePEM serializes the key as PKCS#8 PEM.
func (k *Key) EncodePEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.private)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: der,
	}), nil
}

// DefaultPath returns the conventional key location, $HOME/.android/adbkey.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory: %w", err)
	}
	return filepath.Join(home, ".android", "adbkey"), nil
}

// Load reads a PKCS#8 PEM key from path.
func Load(path string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePEM(data)
}

// Save writes the key to path as PKCS#8 PEM with restricted permissions,
// creating the parent directory if needed.
func (k *Key) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := k.EncodePEM()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadOrCreate loads the key at path, generating and persisting a fresh one
// if the file does not exist. The boolean result reports whether a new key
// was created.
func LoadOrCreate(path string) (*Key, bool, error) {
	key, err := Load(path)
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	key, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := key.Save(path); err != nil {
		return nil, false, fmt.Errorf("failed to persist new key: %w", err)
	}
	return key, true, nil
}

// Public returns the RSA public key.
func (k *Key) Public() *rsa.PublicKey {
	return &k.private.PublicKey
}

// Sign produces a PKCS#1 v1.5 signature of an AUTH challenge token. The
// token is the raw 20-byte challenge, which the protocol treats as a SHA-1
// digest.
func (k *Key) Sign(token []byte) ([]byte, error) {
	if len(token) != crypto.SHA1.Size() {
		return nil, fmt.Errorf("%w: got %d", ErrBadTokenSize, len(token))
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, k.private, crypto.SHA1, token)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return sig, nil
}

// Verify checks a token signature against the key's public half.
func Verify(pub *rsa.PublicKey, token, sig []byte) error {
	return rsa.VerifyPKCS1v15(pub, crypto.SHA1, token, sig)
}
