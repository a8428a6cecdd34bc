// ABOUTME: SSH public key authentication for operator connections
// ABOUTME: Verifies signatures over timestamp|nonce presented in HTTP headers

package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/relay-gateway/internal/dedupe"
)

const (
	// SSHAuthMaxAge is the maximum age of a signature timestamp.
	SSHAuthMaxAge = 5 * time.Minute

	// SSHNonceCacheSize bounds the replay nonce cache.
	SSHNonceCacheSize = 10000

	// SSH auth header names on the WebSocket upgrade request.
	SSHPubkeyHeader    = "X-Ssh-Pubkey"
	SSHSignatureHeader = "X-Ssh-Signature"
	SSHTimestampHeader = "X-Ssh-Timestamp"
	SSHNonceHeader     = "X-Ssh-Nonce"
)

// SSHAuthRequest contains the data an operator client presents for SSH auth.
type SSHAuthRequest struct {
	Pubkey    string // Full public key, e.g. "ssh-ed25519 AAAA..."
	Signature string // Base64 signature over "timestamp|nonce"
	Timestamp int64
	Nonce     string
}

// SSHVerifier verifies SSH signatures, tracking nonces to block replays.
type SSHVerifier struct {
	maxAge     time.Duration
	nonceCache *dedupe.Cache
}

// NewSSHVerifier creates a verifier with replay protection.
func NewSSHVerifier() *SSHVerifier {
	return &SSHVerifier{
		maxAge:     SSHAuthMaxAge,
		nonceCache: dedupe.New(SSHAuthMaxAge, SSHNonceCacheSize),
	}
}

// Close releases the nonce cache.
func (v *SSHVerifier) Close() {
	if v.nonceCache != nil {
		v.nonceCache.Close()
	}
}

// Verify checks the signature and returns the pubkey fingerprint if valid.
// The signature must cover the string "timestamp|nonce".
func (v *SSHVerifier) Verify(req *SSHAuthRequest) (fingerprint string, err error) {
	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(req.Pubkey))
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}

	signedAt := time.Unix(req.Timestamp, 0)
	age := time.Since(signedAt)
	if age < 0 {
		if age < -time.Minute {
			return "", errors.New("timestamp is in the future")
		}
	} else if age > v.maxAge {
		return "", fmt.Errorf("signature expired (age: %v, max: %v)", age, v.maxAge)
	}

	message := fmt.Sprintf("%d|%s", req.Timestamp, req.Nonce)

	sigBytes, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return "", fmt.Errorf("invalid signature encoding: %w", err)
	}
	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(sigBytes, sig); err != nil {
		return "", fmt.Errorf("invalid signature format: %w", err)
	}
	if err := pubkey.Verify([]byte(message), sig); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}

	// The nonce key includes the fingerprint so one key's nonce cannot be
	// replayed against another key.
	fp := ComputeFingerprint(pubkey)
	nonceKey := fmt.Sprintf("%s:%d:%s", fp, req.Timestamp, req.Nonce)
	if v.nonceCache.CheckAndMark(nonceKey) {
		return "", errors.New("nonce already used (possible replay attack)")
	}

	return fp, nil
}

// ComputeFingerprint computes the SHA256 fingerprint of a public key as
// lowercase hex without colons.
func ComputeFingerprint(pubkey ssh.PublicKey) string {
	hash := sha256.Sum256(pubkey.Marshal())
	return hex.EncodeToString(hash[:])
}

// ExtractSSHAuthFromHeader pulls SSH auth fields off an HTTP request.
// Returns nil when no SSH auth headers are present.
func ExtractSSHAuthFromHeader(h http.Header) *SSHAuthRequest {
	pubkey := h.Get(SSHPubkeyHeader)
	signature := h.Get(SSHSignatureHeader)
	timestampStr := h.Get(SSHTimestampHeader)
	nonce := h.Get(SSHNonceHeader)

	if pubkey == "" && signature == "" && timestampStr == "" && nonce == "" {
		return nil
	}

	timestamp, _ := strconv.ParseInt(timestampStr, 10, 64)
	return &SSHAuthRequest{
		Pubkey:    strings.TrimSpace(pubkey),
		Signature: strings.TrimSpace(signature),
		Timestamp: timestamp,
		Nonce:     strings.TrimSpace(nonce),
	}
}
