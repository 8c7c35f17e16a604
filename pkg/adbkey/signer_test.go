package adbkey

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeySigner(t *testing.T) {
	key, err := ParsePEM([]byte(referenceKeyPEM))
	require.NoError(t, err)

	signer := NewKeySigner(key)

	token := make([]byte, 20)
	sig, err := signer.Sign(token)
	require.NoError(t, err)
	assert.NoError(t, Verify(key.Public(), token, sig))

	pub, err := signer.PublicKey()
	require.NoError(t, err)
	assert.Contains(t, string(pub), referencePubkeyBase64)
}

func TestRemoteSigner(t *testing.T) {
	key, err := ParsePEM([]byte(referenceKeyPEM))
	require.NoError(t, err)

	// Fake remote signing endpoint backed by the reference key.
	var gotToken []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotToken = body

		sig, err := key.Sign(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		pub, _ := EncodePublicKey(key.Public())
		_ = json.NewEncoder(w).Encode(map[string]string{
			"token":      base64.StdEncoding.EncodeToString(sig),
			"public_key": pub,
		})
	}))
	defer server.Close()

	signer := NewRemoteSigner(server.URL)

	// Public key is unknown before the first round trip.
	_, err = signer.PublicKey()
	assert.Error(t, err)

	token := make([]byte, 20)
	for i := range token {
		token[i] = byte(i)
	}

	sig, err := signer.Sign(token)
	require.NoError(t, err)
	assert.Equal(t, token, gotToken)
	assert.NoError(t, Verify(key.Public(), token, sig))

	pub, err := signer.PublicKey()
	require.NoError(t, err)
	assert.Contains(t, string(pub), referencePubkeyBase64)
}

func TestRemoteSignerErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	_, err := NewRemoteSigner(server.URL).Sign(make([]byte, 20))
	assert.Error(t, err)
}
