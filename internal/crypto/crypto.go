package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/box"
)

var (
	// ErrSessionNotReady is returned when encrypt/decrypt is attempted
	// before the handshake derived a session key.
	ErrSessionNotReady = errors.New("session key not established")

	// ErrDecryptionFailed marks a single undecryptable message. The session
	// itself stays usable.
	ErrDecryptionFailed = errors.New("decryption failed")

	errBadPublicKey = errors.New("invalid public key")
)

const nonceSize = 24

// Session holds one side of a pairwise encrypted session: an X25519 key pair
// and, once the partner's public key is received, the precomputed shared key
// used for every message in the room.
type Session struct {
	public  *[32]byte
	private *[32]byte
	shared  [32]byte
	ready   bool
}

// NewSession generates a fresh key pair with no shared key yet.
func NewSession() (*Session, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Session{public: pub, private: priv}, nil
}

// PublicKey returns the base64 public key sent in the handshake.
func (s *Session) PublicKey() string {
	return base64.StdEncoding.EncodeToString(s.public[:])
}

// ReceivePublicKey completes the handshake by deriving the shared session key
// from the partner's public key.
func (s *Session) ReceivePublicKey(publicKeyB64 string) error {
	raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(raw) != 32 {
		return errBadPublicKey
	}
	var peer [32]byte
	copy(peer[:], raw)
	box.Precompute(&s.shared, &peer, s.private)
	s.ready = true
	return nil
}

// Ready reports whether the shared key has been derived.
func (s *Session) Ready() bool {
	return s.ready
}

// Encrypt seals plaintext under the session key. The nonce is prepended and
// the whole thing is base64 encoded for the JSON wire.
func (s *Session) Encrypt(plaintext []byte) (string, error) {
	if !s.ready {
		return "", ErrSessionNotReady
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	sealed := box.SealAfterPrecomputation(nonce[:], plaintext, &nonce, &s.shared)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by the partner's Encrypt. Corrupted or
// foreign input yields ErrDecryptionFailed, never a panic.
func (s *Session) Decrypt(ciphertextB64 string) ([]byte, error) {
	if !s.ready {
		return nil, ErrSessionNotReady
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(raw) < nonceSize {
		return nil, ErrDecryptionFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plaintext, ok := box.OpenAfterPrecomputation(nil, raw[nonceSize:], &nonce, &s.shared)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
