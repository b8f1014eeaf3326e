// Package webhookrouter implements the C5 webhook ingress: per-channel
// registration, transport-level authenticity checks, and the dedup/ACK
// protocol webhook senders rely on to know an inbound message was durably
// accepted before they stop retrying.
package webhookrouter

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SecretMode selects where the shared secret is expected to appear on an
// inbound request.
type SecretMode string

const (
	SecretModeHeader     SecretMode = "header"      // default header X-Webhook-Secret
	SecretModeQueryParam SecretMode = "query_param"  // ?secret=
)

// DefaultSecretHeader is the header checked when a registration doesn't name
// its own.
const DefaultSecretHeader = "X-Webhook-Secret"

// HMACSignatureHeader is the header carrying the HMAC-SHA256 signature,
// matching the github-style "sha256=<hex>" convention.
const HMACSignatureHeader = "X-Hub-Signature-256"

// maxSignatureAge bounds how stale an Ed25519-signed timestamp may be before
// the request is rejected as a replay.
const maxSignatureAge = 5 * time.Minute

// SecretConfig is a shared-secret credential for one channel registration.
type SecretConfig struct {
	Header string // defaults to DefaultSecretHeader if empty
	Mode   SecretMode
	Value  string
}

// Ed25519Config is an Ed25519 credential: the stored key verifies a
// signature over "timestamp||body", with the timestamp read from the named
// header and rejected if older than maxSignatureAge.
type Ed25519Config struct {
	PublicKeyHex   string
	SignatureHeader string
	TimestampHeader string
}

// HMACConfig is an HMAC-SHA256 credential verified against HMACSignatureHeader.
type HMACConfig struct {
	Secret string
}

// verifier holds the decoded credential material for one registered channel.
type verifier struct {
	secret  *SecretConfig
	ed25519 *ed25519Material
	hmac    *HMACConfig
}

type ed25519Material struct {
	key             ed25519.PublicKey
	signatureHeader string
	timestampHeader string
}

func newVerifier(secret *SecretConfig, ed *Ed25519Config, h *HMACConfig) (*verifier, error) {
	v := &verifier{secret: secret, hmac: h}
	if ed != nil {
		key, err := hex.DecodeString(ed.PublicKeyHex)
		if err != nil {
			return nil, fmt.Errorf("decode ed25519 public key: %w", err)
		}
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("ed25519 public key has wrong size: %d", len(key))
		}
		sigHeader := ed.SignatureHeader
		if sigHeader == "" {
			sigHeader = "X-Signature"
		}
		tsHeader := ed.TimestampHeader
		if tsHeader == "" {
			tsHeader = "X-Timestamp"
		}
		v.ed25519 = &ed25519Material{key: ed25519.PublicKey(key), signatureHeader: sigHeader, timestampHeader: tsHeader}
	}
	return v, nil
}

// checkSecret implements request-handling step 2: accept either a
// "secret=" query parameter or the channel's configured header.
func (v *verifier) checkSecret(headerValue, queryValue string) error {
	if v.secret == nil {
		return nil
	}
	if v.secret.Mode == SecretModeQueryParam {
		if subtle.ConstantTimeCompare([]byte(v.secret.Value), []byte(queryValue)) != 1 {
			return fmt.Errorf("secret query parameter mismatch")
		}
		return nil
	}
	candidate := queryValue
	if candidate == "" {
		candidate = headerValue
	}
	if subtle.ConstantTimeCompare([]byte(v.secret.Value), []byte(candidate)) != 1 {
		return fmt.Errorf("secret mismatch")
	}
	return nil
}

// checkEd25519 implements request-handling step 3: verify the signature of
// timestamp||body and reject stale timestamps.
func (v *verifier) checkEd25519(body []byte, timestampStr, signatureHex string, now time.Time) error {
	if v.ed25519 == nil {
		return nil
	}
	ts, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	signedAt := time.Unix(ts, 0)
	if now.Sub(signedAt) > maxSignatureAge || signedAt.After(now.Add(maxSignatureAge)) {
		return fmt.Errorf("stale signature timestamp")
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("invalid ed25519 signature encoding: %w", err)
	}
	signed := append([]byte(timestampStr), body...)
	if !ed25519.Verify(v.ed25519.key, signed, sig) {
		return fmt.Errorf("ed25519 signature mismatch")
	}
	return nil
}

// checkHMAC implements request-handling step 4: verify X-Hub-Signature-256
// against HMAC(body, secret) encoded as "sha256=<hex>".
func (v *verifier) checkHMAC(body []byte, headerValue string) error {
	if v.hmac == nil {
		return nil
	}
	const prefix = "sha256="
	if !strings.HasPrefix(headerValue, prefix) {
		return fmt.Errorf("missing sha256= prefix on hmac signature")
	}
	got, err := hex.DecodeString(strings.TrimPrefix(headerValue, prefix))
	if err != nil {
		return fmt.Errorf("invalid hmac signature encoding: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(v.hmac.Secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return fmt.Errorf("hmac signature mismatch")
	}
	return nil
}
