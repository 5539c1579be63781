// Package sealedbox implements one-shot anonymous public-key encryption in
// the manner of libsodium's crypto_box_seal:
//
//	ephemeral_pk || aead(m, key(ephemeral_sk, recipient_pk), nonce)
//
// where the AEAD is XChaCha20-Poly1305, the shared key is derived from the
// X25519 agreement with HChaCha20, and the nonce is blake2b(ephemeral_pk ||
// recipient_pk).
package sealedbox

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of public and secret keys.
const KeySize = 32

// TagSize is the length of the authentication tag.
const TagSize = 16

// ErrDecrypt is returned when a sealed box cannot be opened with the given
// secret key.
var ErrDecrypt = errors.New("sealed box decryption failed")

// SecretKey is an X25519 private key.
type SecretKey struct {
	b [KeySize]byte
}

// PublicKey is an X25519 public key.
type PublicKey struct {
	b [KeySize]byte
}

// NewSecretKey generates a fresh secret key from the OS RNG.
func NewSecretKey() (SecretKey, error) {
	var k SecretKey
	if _, err := rand.Read(k.b[:]); err != nil {
		return k, fmt.Errorf("generate secret key: %w", err)
	}
	return k, nil
}

// SecretKeyFromBytes builds a SecretKey from raw key material.
func SecretKeyFromBytes(b []byte) (SecretKey, error) {
	var k SecretKey
	if len(b) != KeySize {
		return k, fmt.Errorf("invalid secret key length %d", len(b))
	}
	copy(k.b[:], b)
	return k, nil
}

// PublicKey returns the public projection of k.
func (k *SecretKey) PublicKey() PublicKey {
	var p PublicKey
	b, err := curve25519.X25519(k.b[:], curve25519.Basepoint)
	if err != nil {
		// only possible for the all-zero point
		panic(err)
	}
	copy(p.b[:], b)
	return p
}

// Bytes returns the raw key material. Callers must not log it.
func (k *SecretKey) Bytes() []byte {
	return k.b[:]
}

// Base64 returns the URL-safe unpadded base64 form of the key.
func (k *SecretKey) Base64() string {
	return base64.RawURLEncoding.EncodeToString(k.b[:])
}

// UnmarshalText decodes a key from its URL-safe unpadded base64 form.
func (k *SecretKey) UnmarshalText(b []byte) error {
	raw, err := base64.RawURLEncoding.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("invalid secret key: %w", err)
	}
	v, err := SecretKeyFromBytes(raw)
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// PublicKeyFromBytes builds a PublicKey from raw key material.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var p PublicKey
	if len(b) != KeySize {
		return p, fmt.Errorf("invalid public key length %d", len(b))
	}
	copy(p.b[:], b)
	return p, nil
}

// Bytes returns the raw key material.
func (p *PublicKey) Bytes() []byte {
	return p.b[:]
}

// Base64 returns the URL-safe unpadded base64 form of the key.
func (p *PublicKey) Base64() string {
	return base64.RawURLEncoding.EncodeToString(p.b[:])
}

// Data is a sealed box: the ephemeral public key, the encrypted payload and
// the authentication tag.
type Data struct {
	Key  [KeySize]byte
	Body []byte
	Tag  [TagSize]byte
}

// Encrypt seals msg for the given public key using a fresh ephemeral key.
func Encrypt(pk PublicKey, msg []byte) (Data, error) {
	var d Data
	es, err := NewSecretKey()
	if err != nil {
		return d, err
	}
	ep := es.PublicKey()
	aead, err := newAEAD(&es, &pk)
	if err != nil {
		return d, err
	}
	sealed := aead.Seal(nil, nonce(&ep, &pk), msg, nil)
	d.Key = ep.b
	d.Body = sealed[:len(msg)]
	copy(d.Tag[:], sealed[len(msg):])
	return d, nil
}

// Decrypt opens a sealed box with the given secret key.
func Decrypt(sk *SecretKey, d Data) ([]byte, error) {
	ep := PublicKey{b: d.Key}
	pk := sk.PublicKey()
	aead, err := newAEAD(sk, &ep)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(d.Body)+TagSize)
	sealed = append(sealed, d.Body...)
	sealed = append(sealed, d.Tag[:]...)
	plain, err := aead.Open(nil, nonce(&ep, &pk), sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// newAEAD derives the XChaCha20-Poly1305 cipher for the X25519 agreement of
// the two keys, crypto_box style.
func newAEAD(sk *SecretKey, pk *PublicKey) (cipher.AEAD, error) {
	shared, err := curve25519.X25519(sk.b[:], pk.b[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	var zero [16]byte
	key, err := chacha20.HChaCha20(shared, zero[:])
	if err != nil {
		return nil, fmt.Errorf("key derivation: %w", err)
	}
	return chacha20poly1305.NewX(key)
}

// nonce is blake2b(ephemeral_pk || recipient_pk) computed with a digest size
// equal to the AEAD nonce size.
func nonce(ep, pk *PublicKey) []byte {
	h, err := blake2b.New(chacha20poly1305.NonceSizeX, nil)
	if err != nil {
		panic(err)
	}
	h.Write(ep.b[:])
	h.Write(pk.b[:])
	return h.Sum(nil)
}
