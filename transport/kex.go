package transport

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// handshakeSalt scopes the HKDF stretch applied to the raw X25519 output,
// mirroring the salted HKDF keymaterial derivation stream.Stream.exchange
// performs for its reader/writer keys.
var handshakeSalt = []byte("rdt_handshake_keymaterial")

// sharedSecretLen is the length of the stretched shared_secret handed to
// CONNECT_REQUEST/CONNECT_RESPONSE handling. spec.md §9 treats the
// handshake as an opaque KEX yielding shared_secret; no payload encryption
// consumes it yet.
const sharedSecretLen = 32

// KeyPair is an ephemeral X25519 keypair generated fresh for each
// handshake attempt.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair returns a fresh X25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("transport: generate keypair: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("transport: derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// deriveSharedSecret runs X25519 ECDH between our private key and the
// peer's public key, then stretches the raw ECDH output through HKDF-SHA256
// to produce a fixed-length shared_secret.
func deriveSharedSecret(myPrivate, peerPublic [32]byte) ([]byte, error) {
	raw, err := curve25519.X25519(myPrivate[:], peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("transport: ecdh: %w", err)
	}
	kdf := hkdf.New(sha256.New, raw, handshakeSalt, nil)
	secret := make([]byte, sharedSecretLen)
	if _, err := io.ReadFull(kdf, secret); err != nil {
		return nil, fmt.Errorf("transport: hkdf stretch: %w", err)
	}
	return secret, nil
}
