// ABOUTME: Tests for SSH signature authentication.
// ABOUTME: Covers valid signatures, expired timestamps, replays, and header extraction.

package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// newTestKey returns an ssh signer and its authorized-keys form.
func newTestKey(t *testing.T) (ssh.Signer, string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	pubkey := string(ssh.MarshalAuthorizedKey(signer.PublicKey()))
	return signer, pubkey
}

func signRequest(t *testing.T, signer ssh.Signer, timestamp int64, nonce string) string {
	t.Helper()
	message := fmt.Sprintf("%d|%s", timestamp, nonce)
	sig, err := signer.Sign(rand.Reader, []byte(message))
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(ssh.Marshal(sig))
}

func TestSSHVerifier_Valid(t *testing.T) {
	v := NewSSHVerifier()
	defer v.Close()

	signer, pubkey := newTestKey(t)
	now := time.Now().Unix()

	fp, err := v.Verify(&SSHAuthRequest{
		Pubkey:    pubkey,
		Signature: signRequest(t, signer, now, "nonce-1"),
		Timestamp: now,
		Nonce:     "nonce-1",
	})
	require.NoError(t, err)
	assert.Equal(t, ComputeFingerprint(signer.PublicKey()), fp)
}

func TestSSHVerifier_Replay(t *testing.T) {
	v := NewSSHVerifier()
	defer v.Close()

	signer, pubkey := newTestKey(t)
	now := time.Now().Unix()
	req := &SSHAuthRequest{
		Pubkey:    pubkey,
		Signature: signRequest(t, signer, now, "nonce-1"),
		Timestamp: now,
		Nonce:     "nonce-1",
	}

	_, err := v.Verify(req)
	require.NoError(t, err)

	// The same nonce presented again must be rejected.
	_, err = v.Verify(req)
	assert.ErrorContains(t, err, "nonce already used")
}

func TestSSHVerifier_ExpiredTimestamp(t *testing.T) {
	v := NewSSHVerifier()
	defer v.Close()

	signer, pubkey := newTestKey(t)
	old := time.Now().Add(-10 * time.Minute).Unix()

	_, err := v.Verify(&SSHAuthRequest{
		Pubkey:    pubkey,
		Signature: signRequest(t, signer, old, "nonce-1"),
		Timestamp: old,
		Nonce:     "nonce-1",
	})
	assert.ErrorContains(t, err, "expired")
}

func TestSSHVerifier_FutureTimestamp(t *testing.T) {
	v := NewSSHVerifier()
	defer v.Close()

	signer, pubkey := newTestKey(t)
	future := time.Now().Add(5 * time.Minute).Unix()

	_, err := v.Verify(&SSHAuthRequest{
		Pubkey:    pubkey,
		Signature: signRequest(t, signer, future, "nonce-1"),
		Timestamp: future,
		Nonce:     "nonce-1",
	})
	assert.ErrorContains(t, err, "future")
}

func TestSSHVerifier_WrongKey(t *testing.T) {
	v := NewSSHVerifier()
	defer v.Close()

	signer, _ := newTestKey(t)
	_, otherPubkey := newTestKey(t)
	now := time.Now().Unix()

	_, err := v.Verify(&SSHAuthRequest{
		Pubkey:    otherPubkey,
		Signature: signRequest(t, signer, now, "nonce-1"),
		Timestamp: now,
		Nonce:     "nonce-1",
	})
	assert.ErrorContains(t, err, "verification failed")
}

func TestSSHVerifier_TamperedMessage(t *testing.T) {
	v := NewSSHVerifier()
	defer v.Close()

	signer, pubkey := newTestKey(t)
	now := time.Now().Unix()

	// Signature over nonce-1 presented with nonce-2.
	_, err := v.Verify(&SSHAuthRequest{
		Pubkey:    pubkey,
		Signature: signRequest(t, signer, now, "nonce-1"),
		Timestamp: now,
		Nonce:     "nonce-2",
	})
	assert.Error(t, err)
}

func TestExtractSSHAuthFromHeader(t *testing.T) {
	h := http.Header{}
	assert.Nil(t, ExtractSSHAuthFromHeader(h))

	h.Set(SSHPubkeyHeader, "ssh-ed25519 AAAA")
	h.Set(SSHSignatureHeader, "c2ln")
	h.Set(SSHTimestampHeader, "1700000000")
	h.Set(SSHNonceHeader, "abc")

	req := ExtractSSHAuthFromHeader(h)
	require.NotNil(t, req)
	assert.Equal(t, "ssh-ed25519 AAAA", req.Pubkey)
	assert.Equal(t, int64(1700000000), req.Timestamp)
	assert.Equal(t, "abc", req.Nonce)
}
