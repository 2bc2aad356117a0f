package cryptoprim

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func TestNip44RoundTrip(t *testing.T) {
	alicePriv := nostr.GeneratePrivateKey()
	alicePub, err := nostr.GetPublicKey(alicePriv)
	require.NoError(t, err)

	bobPriv := nostr.GeneratePrivateKey()
	bobPub, err := nostr.GetPublicKey(bobPriv)
	require.NoError(t, err)

	ckAlice, err := ConversationKey(alicePriv, bobPub)
	require.NoError(t, err)
	ckBob, err := ConversationKey(bobPriv, alicePub)
	require.NoError(t, err)
	require.Equal(t, ckAlice, ckBob, "conversation key must be symmetric")

	payload, err := Nip44Encrypt("hello bunker", ckAlice)
	require.NoError(t, err)

	plaintext, err := Nip44Decrypt(payload, ckBob)
	require.NoError(t, err)
	require.Equal(t, "hello bunker", plaintext)
}

func TestNip44DecryptRejectsBadVersion(t *testing.T) {
	_, err := Nip44Decrypt("IwAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", make([]byte, 32))
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestSignAndVerifyEvent(t *testing.T) {
	priv := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(priv)
	require.NoError(t, err)

	ev := &nostr.Event{
		PubKey:    pub,
		CreatedAt: nostr.Now(),
		Kind:      1,
		Tags:      nostr.Tags{},
		Content:   "gm",
	}
	require.NoError(t, SignEvent(priv, ev))
	require.True(t, VerifyEvent(ev))

	ev.Content = "tampered"
	require.False(t, VerifyEvent(ev))
}

func TestAESGCMWrapRoundTrip(t *testing.T) {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}

	wk, err := AESGCMWrap("hunter2", secret)
	require.NoError(t, err)

	plaintext, err := AESGCMUnwrap("hunter2", wk)
	require.NoError(t, err)
	require.Equal(t, secret, plaintext)

	_, err = AESGCMUnwrap("wrong", wk)
	require.ErrorIs(t, err, ErrInvalidPassphrase)
}

func TestTimingSafeEqual(t *testing.T) {
	require.True(t, TimingSafeEqual([]byte("abc"), []byte("abc")))
	require.False(t, TimingSafeEqual([]byte("abc"), []byte("abd")))
	require.False(t, TimingSafeEqual([]byte("abc"), []byte("abcd")))
}
