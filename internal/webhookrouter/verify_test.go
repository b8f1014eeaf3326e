package webhookrouter

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"
)

func TestCheckSecretHeaderMode(t *testing.T) {
	v, err := newVerifier(&SecretConfig{Value: "s3cr3t"}, nil, nil)
	if err != nil {
		t.Fatalf("newVerifier: %v", err)
	}
	if err := v.checkSecret("s3cr3t", ""); err != nil {
		t.Errorf("expected header match to pass, got %v", err)
	}
	if err := v.checkSecret("wrong", ""); err == nil {
		t.Error("expected mismatch to fail")
	}
}

func TestCheckSecretQueryParamMode(t *testing.T) {
	v, err := newVerifier(&SecretConfig{Value: "s3cr3t", Mode: SecretModeQueryParam}, nil, nil)
	if err != nil {
		t.Fatalf("newVerifier: %v", err)
	}
	if err := v.checkSecret("s3cr3t", "s3cr3t"); err != nil {
		t.Errorf("expected query match to pass, got %v", err)
	}
	if err := v.checkSecret("s3cr3t", "wrong"); err == nil {
		t.Error("expected query mismatch to fail even with matching header")
	}
}

func TestCheckSecretNilConfigAlwaysPasses(t *testing.T) {
	v, err := newVerifier(nil, nil, nil)
	if err != nil {
		t.Fatalf("newVerifier: %v", err)
	}
	if err := v.checkSecret("", ""); err != nil {
		t.Errorf("expected no-op pass, got %v", err)
	}
}

func TestCheckEd25519ValidSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	v, err := newVerifier(nil, &Ed25519Config{PublicKeyHex: hex.EncodeToString(pub)}, nil)
	if err != nil {
		t.Fatalf("newVerifier: %v", err)
	}

	now := time.Now()
	body := []byte(`{"hello":"world"}`)
	tsStr := strconv.FormatInt(now.Unix(), 10)
	sig := ed25519.Sign(priv, append([]byte(tsStr), body...))

	if err := v.checkEd25519(body, tsStr, hex.EncodeToString(sig), now); err != nil {
		t.Errorf("expected valid signature to pass, got %v", err)
	}
}

func TestCheckEd25519RejectsStaleTimestamp(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	v, err := newVerifier(nil, &Ed25519Config{PublicKeyHex: hex.EncodeToString(pub)}, nil)
	if err != nil {
		t.Fatalf("newVerifier: %v", err)
	}

	now := time.Now()
	stale := now.Add(-10 * time.Minute)
	body := []byte("payload")
	tsStr := strconv.FormatInt(stale.Unix(), 10)
	sig := ed25519.Sign(priv, append([]byte(tsStr), body...))

	if err := v.checkEd25519(body, tsStr, hex.EncodeToString(sig), now); err == nil {
		t.Error("expected stale timestamp to be rejected")
	}
}

func TestCheckEd25519RejectsTamperedBody(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	v, err := newVerifier(nil, &Ed25519Config{PublicKeyHex: hex.EncodeToString(pub)}, nil)
	if err != nil {
		t.Fatalf("newVerifier: %v", err)
	}

	now := time.Now()
	tsStr := strconv.FormatInt(now.Unix(), 10)
	sig := ed25519.Sign(priv, append([]byte(tsStr), []byte("original")...))

	if err := v.checkEd25519([]byte("tampered"), tsStr, hex.EncodeToString(sig), now); err == nil {
		t.Error("expected tampered body to fail verification")
	}
}

func TestCheckHMACValidSignature(t *testing.T) {
	v, err := newVerifier(nil, nil, &HMACConfig{Secret: "shh"})
	if err != nil {
		t.Fatalf("newVerifier: %v", err)
	}
	body := []byte(`{"a":1}`)
	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write(body)
	header := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if err := v.checkHMAC(body, header); err != nil {
		t.Errorf("expected valid hmac to pass, got %v", err)
	}
}

func TestCheckHMACRejectsMissingPrefix(t *testing.T) {
	v, err := newVerifier(nil, nil, &HMACConfig{Secret: "shh"})
	if err != nil {
		t.Fatalf("newVerifier: %v", err)
	}
	if err := v.checkHMAC([]byte("body"), "deadbeef"); err == nil {
		t.Error("expected missing sha256= prefix to fail")
	}
}

func TestCheckHMACRejectsWrongSecret(t *testing.T) {
	v, err := newVerifier(nil, nil, &HMACConfig{Secret: "shh"})
	if err != nil {
		t.Fatalf("newVerifier: %v", err)
	}
	body := []byte("body")
	mac := hmac.New(sha256.New, []byte("different"))
	mac.Write(body)
	header := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if err := v.checkHMAC(body, header); err == nil {
		t.Error("expected wrong secret to fail hmac check")
	}
}

func TestNewVerifierRejectsBadEd25519Key(t *testing.T) {
	if _, err := newVerifier(nil, &Ed25519Config{PublicKeyHex: "not-hex!!"}, nil); err == nil {
		t.Error("expected invalid hex to fail")
	}
	if _, err := newVerifier(nil, &Ed25519Config{PublicKeyHex: "aabb"}, nil); err == nil {
		t.Error("expected wrong-size key to fail")
	}
}
