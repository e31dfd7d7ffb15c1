package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/multiformats/go-multibase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// didKeyPair generates an Ed25519 key and its did:key identifier.
func didKeyPair(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	raw := append([]byte{0xED, 0x01}, pub...)
	encoded, err := multibase.Encode(multibase.Base58BTC, raw)
	require.NoError(t, err)
	return "did:key:" + encoded, priv
}

func didHeader(did string, priv ed25519.PrivateKey, signedAt time.Time, method, path string) string {
	ts := signedAt.Unix()
	payload := fmt.Sprintf("%d:%s:%s", ts, method, path)
	sig := ed25519.Sign(priv, []byte(payload))
	return fmt.Sprintf("DID %s:%d:%s", did, ts, base64.RawURLEncoding.EncodeToString(sig))
}

func TestResolveMissingHeader(t *testing.T) {
	r := NewResolver("secret")
	_, err := r.Resolve("", "POST", "/task")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestResolveBearer(t *testing.T) {
	r := NewResolver("secret-token")

	ident, err := r.Resolve("Bearer secret-token", "POST", "/task")
	require.NoError(t, err)
	assert.Equal(t, "operator", ident.ID)
	assert.Equal(t, SchemeBearer, ident.Scheme)

	_, err = r.Resolve("Bearer wrong", "POST", "/task")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// No configured token disables the scheme entirely.
	r = NewResolver("")
	_, err = r.Resolve("Bearer anything", "POST", "/task")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestConstantTimeTokenEqual(t *testing.T) {
	assert.True(t, ConstantTimeTokenEqual("abc", "abc"))
	assert.False(t, ConstantTimeTokenEqual("abc", "abd"))
	assert.False(t, ConstantTimeTokenEqual("short", "a-much-longer-token"))
	assert.False(t, ConstantTimeTokenEqual("", "x"))
	assert.True(t, ConstantTimeTokenEqual("", ""))
}

func TestResolveDIDSignature(t *testing.T) {
	did, priv := didKeyPair(t)
	r := NewResolver("")

	header := didHeader(did, priv, time.Now(), "POST", "/task")
	ident, err := r.Resolve(header, "POST", "/task")
	require.NoError(t, err)
	assert.Equal(t, did, ident.ID)
	assert.Equal(t, SchemeDID, ident.Scheme)
}

func TestResolveDIDRejectsWrongTarget(t *testing.T) {
	did, priv := didKeyPair(t)
	r := NewResolver("")

	// Signed for POST /task, presented on DELETE /task/x.
	header := didHeader(did, priv, time.Now(), "POST", "/task")
	_, err := r.Resolve(header, "DELETE", "/task/x")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestResolveDIDTimestampWindow(t *testing.T) {
	did, priv := didKeyPair(t)
	r := NewResolver("")

	// Too old.
	header := didHeader(did, priv, time.Now().Add(-6*time.Minute), "POST", "/task")
	_, err := r.Resolve(header, "POST", "/task")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Too far in the future.
	header = didHeader(did, priv, time.Now().Add(2*time.Minute), "POST", "/task")
	_, err = r.Resolve(header, "POST", "/task")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Just inside both edges.
	header = didHeader(did, priv, time.Now().Add(-4*time.Minute), "POST", "/task")
	_, err = r.Resolve(header, "POST", "/task")
	assert.NoError(t, err)
}

func TestResolveDIDTamperedSignature(t *testing.T) {
	did, priv := didKeyPair(t)
	otherDID, _ := didKeyPair(t)
	r := NewResolver("")

	// Signature from one key presented under another identifier.
	header := didHeader(did, priv, time.Now(), "POST", "/task")
	swapped := "DID " + otherDID + header[len("DID "+did):]
	_, err := r.Resolve(swapped, "POST", "/task")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestResolveDIDUnsupportedMethod(t *testing.T) {
	r := NewResolver("")
	_, err := r.Resolve("DID did:web:example.com:123:c2ln", "POST", "/task")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestResolveFreeTier(t *testing.T) {
	r := NewResolver("")

	ident, err := r.Resolve("FreeTier my-client_01", "POST", "/task")
	require.NoError(t, err)
	assert.Equal(t, "my-client_01", ident.ID)
	assert.Equal(t, SchemeFreeTier, ident.Scheme)

	_, err = r.Resolve("FreeTier has spaces", "POST", "/task")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = r.Resolve("FreeTier ", "POST", "/task")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestResolveUnknownScheme(t *testing.T) {
	r := NewResolver("")
	_, err := r.Resolve("Basic dXNlcjpwYXNz", "POST", "/task")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSchemesListing(t *testing.T) {
	assert.Equal(t, []string{"DID", "FreeTier"}, NewResolver("").Schemes())
	assert.Equal(t, []string{"Bearer", "DID", "FreeTier"}, NewResolver("tok").Schemes())
}
