package nostradapter

import (
	"context"
	"crypto/sha256"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mmalmi/hashtree-go/pkg/cryptolayer"
	"github.com/mmalmi/hashtree-go/pkg/resolver"
)

// Signer is a resolver.Signer (and resolver.SelfKeyer) backed by a Nostr
// private key.
type Signer struct {
	privateKey string
	publicKey  string
}

// NewSigner wraps a hex-encoded Nostr private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pub, err := nostr.GetPublicKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &Signer{privateKey: privateKeyHex, publicKey: pub}, nil
}

func (s *Signer) PubKey() string { return s.publicKey }

func (s *Signer) Sign(ctx context.Context, e resolver.Event) (resolver.Event, error) {
	ev := ToEvent(e)
	ev.PubKey = s.publicKey
	if err := ev.Sign(s.privateKey); err != nil {
		return resolver.Event{}, err
	}
	return FromEvent(ev), nil
}

// DeriveSelfKey derives a stable symmetric key usable only by this
// identity's holder, for self-encrypting private/unlisted root keys. It is
// a SHA-256 hash of the raw private key under a fixed domain-separation
// label, never transmitted or derived from any public material.
func (s *Signer) DeriveSelfKey(ctx context.Context) (cryptolayer.Key, error) {
	h := sha256.New()
	h.Write([]byte("hashtree-self-encryption-key-v1"))
	h.Write([]byte(s.privateKey))
	var out cryptolayer.Key
	copy(out[:], h.Sum(nil))
	return out, nil
}

var (
	_ resolver.Signer    = (*Signer)(nil)
	_ resolver.SelfKeyer = (*Signer)(nil)
)
