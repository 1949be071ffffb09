package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcosBrendonDePaula/fluxlive/internal/logging"
)

// Signed-header names used by the Ed25519 verifier.
const (
	HeaderKeyID     = "X-Flux-Key-Id"
	HeaderTimestamp = "X-Flux-Timestamp"
	HeaderSignature = "X-Flux-Signature"
)

// Ed25519Authenticator verifies signed upgrade headers. The client signs
// "<method>\n<path>\n<timestamp>" with its private key; the server checks
// the signature against the registered public key and rejects stale
// timestamps.
type Ed25519Authenticator struct {
	keys    map[string]ed25519.PublicKey
	maxSkew time.Duration
}

// NewEd25519Authenticator builds an authenticator from keyID → hex public
// key pairs. Malformed keys are skipped with a warning.
func NewEd25519Authenticator(hexKeys map[string]string, maxSkew time.Duration) *Ed25519Authenticator {
	if maxSkew <= 0 {
		maxSkew = 30 * time.Second
	}
	keys := make(map[string]ed25519.PublicKey, len(hexKeys))
	for id, hk := range hexKeys {
		raw, err := hex.DecodeString(hk)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			logging.Op().Warn("skipping malformed ed25519 public key", "key_id", id)
			continue
		}
		keys[id] = ed25519.PublicKey(raw)
	}
	return &Ed25519Authenticator{keys: keys, maxSkew: maxSkew}
}

// Authenticate verifies the signed headers on the upgrade request.
func (a *Ed25519Authenticator) Authenticate(r *http.Request) *Principal {
	keyID := r.Header.Get(HeaderKeyID)
	tsStr := r.Header.Get(HeaderTimestamp)
	sigHex := r.Header.Get(HeaderSignature)
	if keyID == "" || tsStr == "" || sigHex == "" {
		return nil
	}

	pub, ok := a.keys[keyID]
	if !ok {
		return nil
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return nil
	}
	if skew := time.Since(time.Unix(ts, 0)); skew > a.maxSkew || skew < -a.maxSkew {
		return nil
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil
	}

	payload := r.Method + "\n" + r.URL.Path + "\n" + tsStr
	if !ed25519.Verify(pub, []byte(payload), sig) {
		return nil
	}

	return &Principal{
		Subject: "key:" + keyID,
		KeyID:   keyID,
		Claims:  map[string]any{"timestamp": ts},
	}
}
