package pbft

import (
	"crypto/hmac"
	"crypto/sha256"
)

// Authenticator is the pluggable message-authentication primitive. A message
// failing Verify is dropped silently; it must never crash the replica.
type Authenticator interface {
	Sign(msg *Message) []byte
	Verify(msg *Message) bool
}

// HMACAuthenticator authenticates messages with HMAC-SHA256 over a shared
// cluster key.
type HMACAuthenticator struct {
	key []byte
}

func NewHMACAuthenticator(key []byte) *HMACAuthenticator {
	return &HMACAuthenticator{key: append([]byte(nil), key...)}
}

func (a *HMACAuthenticator) Sign(msg *Message) []byte {
	mac := hmac.New(sha256.New, a.key)
	mac.Write(msg.signingBytes())
	return mac.Sum(nil)
}

func (a *HMACAuthenticator) Verify(msg *Message) bool {
	mac := hmac.New(sha256.New, a.key)
	mac.Write(msg.signingBytes())
	return hmac.Equal(mac.Sum(nil), msg.Auth)
}
