package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher produces the privacy-preserving recipient hashes stored in
// delivery events. The same secret must be used by every worker, or
// idempotent re-runs stop recognizing already-sent recipients.
type Hasher struct {
	secret []byte
}

// NewHasher creates a Hasher with the given shared secret.
func NewHasher(secret string) *Hasher {
	return &Hasher{secret: []byte(secret)}
}

// Hash returns the hex HMAC-SHA256 of the normalized recipient address.
// Addresses are lowercased and trimmed first so case variants of one
// mailbox map to one hash.
func (h *Hasher) Hash(recipient string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(recipient))))
	return hex.EncodeToString(mac.Sum(nil))
}
