package resolver

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mmalmi/hashtree-go/pkg/block"
	"github.com/mmalmi/hashtree-go/pkg/cryptolayer"
)

// Signer signs pointer events on behalf of a locally held identity.
type Signer interface {
	// PubKey is the identity's public key, hex-encoded.
	PubKey() string
	// Sign fills in ID and Sig on an otherwise-complete event.
	Sign(ctx context.Context, event Event) (Event, error)
}

// SelfKeyer is implemented by a Signer that can also derive a stable
// symmetric key usable only by its own holder, for self-encrypting private
// and owner-recoverable-unlisted root keys. A Signer that cannot (e.g. a
// read-only or remote identity) simply does not implement it.
type SelfKeyer interface {
	DeriveSelfKey(ctx context.Context) (cryptolayer.Key, error)
}

// EventPublisher forwards a signed event to the pointer-event network.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// EventSubscription delivers events for one (signer, tree-name) pair as
// they arrive.
type EventSubscription interface {
	Events() <-chan Event
	Close() error
}

// EventSubscriber opens subscriptions against the pointer-event network.
type EventSubscriber interface {
	Subscribe(ctx context.Context, signerPubKey, treeName string) (EventSubscription, error)
}

// TreeKey identifies a tree by its signer's public key and its name (the
// replaceable-event "d" tag discriminator).
type TreeKey struct {
	Signer string
	Name   string
}

func (k TreeKey) String() string { return k.Signer + "/" + k.Name }

// CacheEntry is the resolver's local view of one tree.
type CacheEntry struct {
	HasRoot    bool
	RootHash   block.Hash
	RootKey    *cryptolayer.Key // nil if undisclosed ("locked") or tree is public/unencrypted
	Visibility Visibility
	Timestamp  int64

	// Undecrypted key material retained so Resolve can retry recovery later
	// if an out-of-band link key becomes available.
	encryptedKey []byte
	keyID        []byte
}

// CID returns the entry's root as a block.CID, or ok=false if no root is
// currently known (deleted, or never seen).
func (e CacheEntry) CID() (block.CID, bool) {
	if !e.HasRoot {
		return block.CID{}, false
	}
	return block.CID{Hash: e.RootHash, Key: e.RootKey}, true
}

type pendingPublish struct {
	timer   *time.Timer
	root    block.CID
	vis     Visibility
	linkKey *cryptolayer.Key
}

// Resolver maintains the (signer, tree-name) -> root mapping described in
// the package doc.
type Resolver struct {
	mu    sync.Mutex
	cache map[TreeKey]CacheEntry
	subs  map[TreeKey]EventSubscription

	identity   Signer // nil for a read-only resolver that never publishes
	selfKey    *cryptolayer.Key
	selfKeyErr error
	selfKeyMu  sync.Once

	publisher  EventPublisher
	subscriber EventSubscriber
	throttle   time.Duration

	pendingMu sync.Mutex
	pending   map[TreeKey]*pendingPublish

	verifier Verifier
	log      *logrus.Entry
}

// Verifier checks a pointer event's signature against its claimed PubKey.
// The concrete event transport (e.g. resolver/nostradapter) usually already
// verifies signatures before an event ever reaches the resolver; Verifier
// is an optional second check for callers wiring a transport that does not.
type Verifier interface {
	Verify(e Event) error
}

// DefaultThrottle is the coalescing window rapid successive publish calls
// are merged within.
const DefaultThrottle = 3 * time.Second

// Option configures a Resolver at construction.
type Option func(*Resolver)

// WithVerifier attaches a signature verifier run on every inbound event
// before reconciliation.
func WithVerifier(v Verifier) Option {
	return func(r *Resolver) { r.verifier = v }
}

// New constructs a Resolver. identity may be nil for a resolver that only
// ever observes other signers' trees.
func New(identity Signer, publisher EventPublisher, subscriber EventSubscriber, throttle time.Duration, log *logrus.Entry, opts ...Option) *Resolver {
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Resolver{
		cache:      make(map[TreeKey]CacheEntry),
		subs:       make(map[TreeKey]EventSubscription),
		identity:   identity,
		publisher:  publisher,
		subscriber: subscriber,
		throttle:   throttle,
		pending:    make(map[TreeKey]*pendingPublish),
		log:        log.WithField("component", "resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) ownSelfKey(ctx context.Context) (cryptolayer.Key, bool) {
	r.selfKeyMu.Do(func() {
		keyer, ok := r.identity.(SelfKeyer)
		if !ok {
			r.selfKeyErr = fmt.Errorf("identity does not support self-encryption")
			return
		}
		k, err := keyer.DeriveSelfKey(ctx)
		if err != nil {
			r.selfKeyErr = err
			return
		}
		r.selfKey = &k
	})
	if r.selfKey == nil {
		return cryptolayer.Key{}, false
	}
	return *r.selfKey, true
}

// Resolve returns the current best-known root CID for key. If linkKey is
// supplied and the cached entry's root key has not yet been recovered, a
// decryption is attempted against the retained encrypted-key material.
func (r *Resolver) Resolve(ctx context.Context, key TreeKey, linkKey *cryptolayer.Key) (block.CID, bool, error) {
	r.mu.Lock()
	entry, ok := r.cache[key]
	r.mu.Unlock()
	if !ok || !entry.HasRoot {
		return block.CID{}, false, nil
	}
	if entry.RootKey != nil || entry.Visibility == Public || linkKey == nil || entry.encryptedKey == nil {
		cid, _ := entry.CID()
		return cid, true, nil
	}

	keyID := block.Sum(linkKey[:])
	if !bytes.Equal(keyID[:], entry.keyID) {
		cid, _ := entry.CID()
		return cid, true, nil
	}
	rootKeyBytes, err := cryptolayer.Open(linkKey, entry.encryptedKey)
	if err != nil || len(rootKeyBytes) != block.KeySize {
		return block.CID{}, false, fmt.Errorf("%w: link key did not decrypt root key", ErrDecryptionFailed)
	}
	var rootKey cryptolayer.Key
	copy(rootKey[:], rootKeyBytes)

	r.mu.Lock()
	entry = r.cache[key]
	entry.RootKey = &rootKey
	r.cache[key] = entry
	r.mu.Unlock()

	cid, _ := entry.CID()
	return cid, true, nil
}
