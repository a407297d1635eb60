// Package cryptolayer implements the hashtree encryption layer (C2):
// convergent, per-parent-branch block encryption and the key derivation
// chain that lets a tree be walked from a single root key.
package cryptolayer

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/mmalmi/hashtree-go/pkg/block"
)

func newSHA256() hash.Hash { return sha256.New() }

// Errors returned by this package.
var (
	ErrDecryptionFailed  = errors.New("cryptolayer: decryption failed")
	ErrKeyMissing        = errors.New("cryptolayer: key required but missing")
	ErrUnknownVisibility = errors.New("cryptolayer: inconsistent visibility tags")
)

// NonceSize is the width, in bytes, of the random nonce prepended to every
// ciphertext (96 bits, IETF ChaCha20-Poly1305).
const NonceSize = chacha20poly1305.NonceSize // 12

// Key is a 32-byte symmetric key.
type Key = [block.KeySize]byte

// RandomKey generates a fresh random 32-byte key, used for a tree's root key
// at creation time for private/unlisted trees.
func RandomKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return Key{}, fmt.Errorf("cryptolayer: generate key: %w", err)
	}
	return k, nil
}

// DeriveChildKey derives a child block's key from its parent's key and the
// child's plaintext hash: K_child = KDF(K_parent || H(plaintext)).
// Because the derivation is keyed on K_parent, two identical children under
// different parents receive different keys (and therefore different
// ciphertext and hashes) — convergence is scoped per-parent-branch.
func DeriveChildKey(parent Key, childPlaintextHash block.Hash) (Key, error) {
	info := []byte("hashtree-child-key-v1")
	ikm := make([]byte, 0, len(parent)+len(childPlaintextHash))
	ikm = append(ikm, parent[:]...)
	ikm = append(ikm, childPlaintextHash[:]...)

	r := hkdf.New(newSHA256, ikm, nil, info)
	var out Key
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return Key{}, fmt.Errorf("cryptolayer: derive child key: %w", err)
	}
	return out, nil
}

// Seal encrypts plaintext under key with a fresh random nonce, returning
// nonce‖ciphertext‖tag. A nil key means the block is public/unencrypted and
// Seal returns plaintext unchanged.
func Seal(key *Key, plaintext []byte) ([]byte, error) {
	if key == nil {
		return plaintext, nil
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptolayer: init aead: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptolayer: nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, plaintext, nil)
	return out, nil
}

// Open decrypts a nonce‖ciphertext‖tag blob produced by Seal. A nil key
// means the block is public/unencrypted and Open returns ciphertext
// unchanged.
func Open(key *Key, sealed []byte) ([]byte, error) {
	if key == nil {
		return sealed, nil
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptolayer: init aead: %w", err)
	}
	if len(sealed) < NonceSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrDecryptionFailed)
	}
	nonce, ciphertext := sealed[:NonceSize], sealed[NonceSize:]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plain, nil
}
