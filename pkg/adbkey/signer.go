package adbkey

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Signer produces AUTH responses for a challenge token. Implementations are
// interchangeable at authentication time: a local key, or a remote service
// fronting hardware-backed keys.
type Signer interface {
	// Sign returns the PKCS#1 v1.5 signature bytes for the challenge
	// token.
	Sign(token []byte) ([]byte, error)

	// PublicKey returns the Android-encoded public key to offer when the
	// signature is rejected.
	PublicKey() ([]byte, error)
}

// KeySigner signs challenges with a local Key.
type KeySigner struct {
	key *Key
}

// NewKeySigner creates a signer backed by a local key.
func NewKeySigner(key *Key) *KeySigner {
	return &KeySigner{key: key}
}

// Sign signs the token with the local key.
func (s *KeySigner) Sign(token []byte) ([]byte, error) {
	return s.key.Sign(token)
}

// PublicKey returns the Android-encoded public key of the local key.
func (s *KeySigner) PublicKey() ([]byte, error) {
	encoded, err := EncodePublicKey(s.key.Public())
	if err != nil {
		return nil, err
	}
	return []byte(encoded), nil
}

// RemoteSigner delegates challenge signing to an HTTP endpoint. The raw
// token is POSTed; the endpoint replies with a JSON object carrying the
// base64-encoded signature and the already-encoded public key.
type RemoteSigner struct {
	url    string
	client *http.Client

	// cached from the last Sign round trip
	publicKey []byte
}

// NewRemoteSigner creates a signer calling the given endpoint.
func NewRemoteSigner(url string) *RemoteSigner {
	return &RemoteSigner{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// signResponse is the endpoint's reply.
type signResponse struct {
	Token     string `json:"token"`
	PublicKey string `json:"public_key"`
}

// Sign posts the token and returns the decoded signature. The endpoint's
// public key is retained for a later PublicKey call.
func (s *RemoteSigner) Sign(token []byte) ([]byte, error) {
	resp, err := s.client.Post(s.url, "application/octet-stream", bytes.NewReader(token))
	if err != nil {
		return nil, fmt.Errorf("remote auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote auth endpoint returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read remote auth response: %w", err)
	}

	var parsed signResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode remote auth response: %w", err)
	}

	sig, err := base64.StdEncoding.DecodeString(parsed.Token)
	if err != nil {
		return nil, fmt.Errorf("remote auth signature is not valid base64: %w", err)
	}

	s.publicKey = []byte(parsed.PublicKey)
	return sig, nil
}

// PublicKey returns the public key from the last Sign round trip.
func (s *RemoteSigner) PublicKey() ([]byte, error) {
	if len(s.publicKey) == 0 {
		return nil, fmt.Errorf("remote auth endpoint has not provided a public key yet")
	}
	return s.publicKey, nil
}

// Compile-time interface satisfaction checks.
var (
	_ Signer = (*KeySigner)(nil)
	_ Signer = (*RemoteSigner)(nil)
)
