package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// signaturePrefix marks the algorithm in the body signature header.
const signaturePrefix = "sha256="

// Signer signs and verifies webhook bodies with a shared secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a new Signer with the given secret key.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign computes the HMAC-SHA256 header value of body.
func (s *Signer) Sign(body []byte) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write(body)
	return signaturePrefix + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a body signature header. The sha256= prefix is optional.
func (s *Signer) Verify(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		signature = signaturePrefix + signature
	}
	return hmac.Equal([]byte(s.Sign(body)), []byte(signature))
}

// VerifySecret compares a shared-secret header against the secret in
// constant time.
func (s *Signer) VerifySecret(presented string) bool {
	if len(s.secret) == 0 || presented == "" {
		return false
	}
	return hmac.Equal(s.secret, []byte(presented))
}
