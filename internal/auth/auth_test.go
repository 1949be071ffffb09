package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"
)

func signRequest(priv ed25519.PrivateKey, keyID, method, path string, ts int64) map[string]string {
	payload := fmt.Sprintf("%s\n%s\n%d", method, path, ts)
	sig := ed25519.Sign(priv, []byte(payload))
	return map[string]string{
		HeaderKeyID:     keyID,
		HeaderTimestamp: fmt.Sprintf("%d", ts),
		HeaderSignature: hex.EncodeToString(sig),
	}
}

func TestVerifyAnonymousWithoutAuthenticators(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	p := Verify(r, nil)
	if p == nil || !p.Anonymous || p.Subject != "anonymous" {
		t.Fatalf("expected anonymous principal, got %+v", p)
	}
}

func TestEd25519AcceptsValidSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	a := NewEd25519Authenticator(map[string]string{"svc": hex.EncodeToString(pub)}, time.Minute)

	r := httptest.NewRequest("GET", "/ws", nil)
	for k, v := range signRequest(priv, "svc", "GET", "/ws", time.Now().Unix()) {
		r.Header.Set(k, v)
	}

	p := Verify(r, []Authenticator{a})
	if p == nil {
		t.Fatal("valid signature rejected")
	}
	if p.Subject != "key:svc" || p.KeyID != "svc" || p.Anonymous {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestEd25519RejectsBadSignature(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	_, otherPriv, _ := ed25519.GenerateKey(nil)
	a := NewEd25519Authenticator(map[string]string{"svc": hex.EncodeToString(pub)}, time.Minute)

	r := httptest.NewRequest("GET", "/ws", nil)
	for k, v := range signRequest(otherPriv, "svc", "GET", "/ws", time.Now().Unix()) {
		r.Header.Set(k, v)
	}
	if p := Verify(r, []Authenticator{a}); p != nil {
		t.Fatalf("foreign key must be rejected, got %+v", p)
	}
}

func TestEd25519RejectsStaleTimestamp(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	a := NewEd25519Authenticator(map[string]string{"svc": hex.EncodeToString(pub)}, 30*time.Second)

	r := httptest.NewRequest("GET", "/ws", nil)
	stale := time.Now().Add(-5 * time.Minute).Unix()
	for k, v := range signRequest(priv, "svc", "GET", "/ws", stale) {
		r.Header.Set(k, v)
	}
	if p := a.Authenticate(r); p != nil {
		t.Fatalf("stale timestamp must be rejected, got %+v", p)
	}
}

func TestEd25519RejectsMissingHeaders(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	a := NewEd25519Authenticator(map[string]string{"svc": hex.EncodeToString(pub)}, time.Minute)

	r := httptest.NewRequest("GET", "/ws", nil)
	if p := a.Authenticate(r); p != nil {
		t.Fatalf("unsigned request must be rejected, got %+v", p)
	}
}

func TestEd25519RejectsUnknownKeyID(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	a := NewEd25519Authenticator(map[string]string{"svc": hex.EncodeToString(pub)}, time.Minute)

	r := httptest.NewRequest("GET", "/ws", nil)
	for k, v := range signRequest(priv, "ghost", "GET", "/ws", time.Now().Unix()) {
		r.Header.Set(k, v)
	}
	if p := a.Authenticate(r); p != nil {
		t.Fatalf("unknown key id must be rejected, got %+v", p)
	}
}

func TestEd25519SkipsMalformedKeys(t *testing.T) {
	a := NewEd25519Authenticator(map[string]string{"bad": "zz-not-hex"}, time.Minute)
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set(HeaderKeyID, "bad")
	r.Header.Set(HeaderTimestamp, "1")
	r.Header.Set(HeaderSignature, "00")
	if p := a.Authenticate(r); p != nil {
		t.Fatalf("malformed key must never verify, got %+v", p)
	}
}
