package resolver

import (
	"bytes"
	"context"

	"github.com/mmalmi/hashtree-go/pkg/cryptolayer"
)

// Subscribe starts a subscription for key against the pointer-event
// network. callback is invoked with the latest accepted cache entry every
// time a new event is accepted (including the tombstone case, where
// HasRoot is false). The returned subscription must be closed to stop
// delivery and release the resolver's internal bookkeeping for key.
func (r *Resolver) Subscribe(ctx context.Context, key TreeKey, callback func(CacheEntry)) (EventSubscription, error) {
	if r.subscriber == nil {
		return nil, errNoSubscriber
	}
	sub, err := r.subscriber.Subscribe(ctx, key.Signer, key.Name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.subs[key] = sub
	r.mu.Unlock()

	go func() {
		for ev := range sub.Events() {
			r.handleEvent(ctx, key, ev, callback)
		}
	}()

	return &trackedSubscription{EventSubscription: sub, resolver: r, key: key}, nil
}

// trackedSubscription removes the resolver's bookkeeping entry on Close so
// the resolver never leaks listeners across key changes.
type trackedSubscription struct {
	EventSubscription
	resolver *Resolver
	key      TreeKey
}

func (t *trackedSubscription) Close() error {
	t.resolver.mu.Lock()
	delete(t.resolver.subs, t.key)
	t.resolver.mu.Unlock()
	return t.EventSubscription.Close()
}

// handleEvent parses, reconciles and (if accepted) applies a single network
// event. Parse and reconciliation failures are logged and swallowed per the
// error-propagation rule for this layer — the caller of Subscribe never
// sees them.
func (r *Resolver) handleEvent(ctx context.Context, key TreeKey, ev Event, callback func(CacheEntry)) {
	if r.verifier != nil {
		if err := r.verifier.Verify(ev); err != nil {
			r.log.WithError(err).WithField("key", key.String()).Debug("dropping pointer event with bad signature")
			return
		}
	}

	parsed, err := parseEvent(ev)
	if err != nil {
		r.log.WithError(err).WithField("key", key.String()).Debug("dropping unparseable pointer event")
		return
	}

	entry := CacheEntry{
		HasRoot:    parsed.hasRoot,
		RootHash:   parsed.rootHash,
		Visibility: parsed.visibility,
		Timestamp:  parsed.createdAt,
	}

	if parsed.hasRoot {
		if err := r.recoverRootKey(ctx, &entry, parsed); err != nil {
			r.log.WithError(err).WithField("key", key.String()).Debug("dropping pointer event: key recovery failed")
			return
		}
	}

	r.mu.Lock()
	existing, hadExisting := r.cache[key]
	if hadExisting && !shouldAccept(existing, entry) {
		r.mu.Unlock()
		return
	}
	r.cache[key] = entry
	r.mu.Unlock()

	if callback != nil {
		callback(entry)
	}
}

// shouldAccept implements the single newest-wins-with-hash-tiebreak rule:
// a candidate is accepted over the existing entry iff its timestamp is
// strictly greater, or equal with a lexicographically lower root hash. This
// rule alone covers both reconciliation cases in the design notes: a stale
// echo of our own earlier publish carries an equal-or-lesser timestamp and
// is rejected; a genuinely newer event, ours or another signer's, wins.
func shouldAccept(existing, candidate CacheEntry) bool {
	if candidate.Timestamp != existing.Timestamp {
		return candidate.Timestamp > existing.Timestamp
	}
	return bytes.Compare(candidate.RootHash[:], existing.RootHash[:]) < 0
}

// recoverRootKey attempts to recover entry's root key per visibility,
// mutating entry in place. For Private trees, failure to self-decrypt
// rejects the event outright (err != nil); for Unlisted, failure simply
// leaves the entry "locked" (RootKey nil, err == nil).
func (r *Resolver) recoverRootKey(ctx context.Context, entry *CacheEntry, p parsedEvent) error {
	switch p.visibility {
	case Public:
		// Public trees are unencrypted by construction; any "key" tag is
		// accepted but not authoritative.
		entry.RootKey = nil
		return nil

	case Unlisted:
		entry.encryptedKey = p.encryptedKey
		entry.keyID = p.keyID
		if selfKey, ok := r.selfKeyFor(ctx); ok && len(p.selfEncryptedKey) > 0 {
			if k, err := decryptRootKey(selfKey, p.selfEncryptedKey); err == nil {
				entry.RootKey = &k
				return nil
			}
		}
		// Neither a matching out-of-band link key nor self-access is
		// available yet; leave undisclosed. Resolve can still recover it
		// later if a link key is supplied.
		return nil

	case Private:
		selfKey, ok := r.selfKeyFor(ctx)
		if !ok {
			return errNotForUs
		}
		k, err := decryptRootKey(selfKey, p.selfEncryptedKey)
		if err != nil {
			return errNotForUs
		}
		entry.RootKey = &k
		return nil

	default:
		return errUnknownVisibility
	}
}

func (r *Resolver) selfKeyFor(ctx context.Context) (cryptolayer.Key, bool) {
	if r.identity == nil {
		return cryptolayer.Key{}, false
	}
	return r.ownSelfKey(ctx)
}

func decryptRootKey(key cryptolayer.Key, ciphertext []byte) (cryptolayer.Key, error) {
	if len(ciphertext) == 0 {
		return cryptolayer.Key{}, errNotForUs
	}
	plain, err := cryptolayer.Open(&key, ciphertext)
	if err != nil {
		return cryptolayer.Key{}, err
	}
	if len(plain) != 32 {
		return cryptolayer.Key{}, errNotForUs
	}
	var out cryptolayer.Key
	copy(out[:], plain)
	return out, nil
}
