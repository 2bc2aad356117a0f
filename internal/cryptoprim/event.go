package cryptoprim

import (
	"crypto/subtle"

	"github.com/nbd-wtf/go-nostr"
)

// SignEvent computes the NIP-01 canonical event id and a BIP-340 Schnorr
// signature over it, mutating event.ID, event.PubKey, and event.Sig.
// Delegates to go-nostr's Event.Sign, which implements exactly this
// canonical-id-then-schnorr-sign sequence.
func SignEvent(privKeyHex string, event *nostr.Event) error {
	return event.Sign(privKeyHex)
}

// VerifyEvent reports whether event.Sig verifies against event.ID under
// event.PubKey, per the NIP-01 canonical id.
func VerifyEvent(event *nostr.Event) bool {
	ok, err := event.CheckSignature()
	return ok && err == nil
}

// TimingSafeEqual performs a constant-time comparison of two byte strings.
// Used for admin-secret validation so that response timing cannot leak a
// partial match.
func TimingSafeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		// Inputs of different lengths return at once; only the length,
		// not the content, is revealed by timing.
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
