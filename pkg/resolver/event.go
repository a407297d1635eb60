// Package resolver implements the reference resolver (C5): the mapping from
// a (signer, tree-name) pair to the tree's current root CID, maintained by
// reconciling signed, versioned pointer events received from the network
// and publishing local changes back out (throttled and coalesced).
package resolver

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mmalmi/hashtree-go/pkg/block"
)

// Errors returned by this package. Per the propagation rule for this layer,
// none of these are ever returned to a caller that merely subscribes — they
// are logged and the offending event is dropped.
var (
	ErrInvalidEvent      = errors.New("resolver: invalid event")
	ErrSignatureMismatch = errors.New("resolver: signature mismatch")
	ErrUnknownVisibility = errors.New("resolver: unknown visibility")
	ErrDecryptionFailed  = errors.New("resolver: decryption failed")
)

// Visibility selects how a tree's root key is disclosed through the
// pointer-event network.
type Visibility uint8

const (
	// Public trees disclose their root key in the clear "key" tag. Per the
	// block-encryption rule, a public tree's blocks are unencrypted, so
	// there is in practice no key to disclose; the tag is accepted if
	// present but RootKey is always nil for this visibility.
	Public Visibility = iota
	// Unlisted trees disclose an encrypted root key recoverable by anyone
	// holding the out-of-band link key, and optionally also to the owner
	// via a self-encrypted copy.
	Unlisted
	// Private trees disclose the root key only to the owning identity, via
	// a self-encrypted copy. Anyone else cannot recover it.
	Private
)

// Tag is one (name, values...) pointer-event tag, mirroring the Nostr tag
// array shape without depending on a concrete event library.
type Tag struct {
	Name   string
	Values []string
}

func (t Tag) first() (string, bool) {
	if len(t.Values) == 0 {
		return "", false
	}
	return t.Values[0], true
}

// Event is the network-agnostic shape of a pointer event: an
// application-data-kind, replaceable, signed event. The concrete transport
// (e.g. resolver/nostradapter) maps this to and from its own event type.
type Event struct {
	ID        string
	PubKey    string
	CreatedAt int64
	Kind      int
	Tags      []Tag
	Content   string
	Sig       string
}

// Tag returns the first value of the named tag, if present.
func (e Event) Tag(name string) (string, bool) {
	for _, t := range e.Tags {
		if t.Name == name {
			return t.first()
		}
	}
	return "", false
}

func hexTag(e Event, name string) ([]byte, bool, error) {
	v, ok := e.Tag(name)
	if !ok {
		return nil, false, nil
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		return nil, true, fmt.Errorf("%w: tag %q is not valid hex", ErrInvalidEvent, name)
	}
	return b, true, nil
}

// parsedEvent is the result of validating and classifying an Event before
// it is reconciled against the cache.
type parsedEvent struct {
	treeName         string
	visibility       Visibility
	hasRoot          bool
	rootHash         block.Hash
	clearKey         []byte // "key" tag, public
	encryptedKey     []byte // "encryptedKey" tag, unlisted
	keyID            []byte // "keyId" tag, unlisted
	selfEncryptedKey []byte // "selfEncryptedKey" tag, private or owner-accessible unlisted
	createdAt        int64
}

// parseEvent validates an Event's shape and tag set, classifying its
// visibility by which key tags are present.
func parseEvent(e Event) (parsedEvent, error) {
	name, ok := e.Tag("d")
	if !ok || name == "" {
		return parsedEvent{}, fmt.Errorf("%w: missing \"d\" tag", ErrInvalidEvent)
	}
	if label, ok := e.Tag("l"); ok && label != "hashtree" {
		return parsedEvent{}, fmt.Errorf("%w: unrecognized \"l\" tag %q", ErrInvalidEvent, label)
	}

	p := parsedEvent{treeName: name, createdAt: e.CreatedAt}

	hashHex, hasHash, err := hexTag(e, "hash")
	if err != nil {
		return parsedEvent{}, err
	}
	if hasHash {
		if len(hashHex) != block.HashSize {
			return parsedEvent{}, fmt.Errorf("%w: \"hash\" tag has wrong length", ErrInvalidEvent)
		}
		p.hasRoot = true
		copy(p.rootHash[:], hashHex)
	}

	clearKey, hasClearKey, err := hexTag(e, "key")
	if err != nil {
		return parsedEvent{}, err
	}
	encKey, hasEncKey, err := hexTag(e, "encryptedKey")
	if err != nil {
		return parsedEvent{}, err
	}
	keyID, hasKeyID, err := hexTag(e, "keyId")
	if err != nil {
		return parsedEvent{}, err
	}
	selfKey, hasSelfKey, err := hexTag(e, "selfEncryptedKey")
	if err != nil {
		return parsedEvent{}, err
	}

	switch {
	case hasClearKey:
		p.visibility = Public
		p.clearKey = clearKey
	case hasEncKey || hasKeyID:
		p.visibility = Unlisted
		p.encryptedKey = encKey
		p.keyID = keyID
		p.selfEncryptedKey = selfKey
	case hasSelfKey:
		p.visibility = Private
		p.selfEncryptedKey = selfKey
	default:
		// No key tags: either a tombstone (visibility is moot) or a public
		// tree whose unencrypted root needs no key, which is how Publish
		// emits a public event for a keyless root.
		p.visibility = Public
	}

	return p, nil
}
