package resolver

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/mmalmi/hashtree-go/pkg/block"
	"github.com/mmalmi/hashtree-go/pkg/cryptolayer"
)

var (
	errNoSubscriber     = errors.New("resolver: no event subscriber configured")
	errNoPublisher      = errors.New("resolver: no event publisher configured")
	errNoIdentity       = errors.New("resolver: no local identity configured")
	errNotForUs         = errors.New("resolver: root key not recoverable by this identity")
	errUnknownVisibility = ErrUnknownVisibility
)

// PublishOptions configures how publish discloses the root key.
type PublishOptions struct {
	Visibility Visibility
	// LinkKey is required for Unlisted and ignored otherwise: anyone
	// holding it can recover the root key from the published event.
	LinkKey *cryptolayer.Key
	// SkipNetwork updates only the local cache, for callers that already
	// signed and queued their own network publish.
	SkipNetwork bool
}

// Publish updates the local cache for key synchronously, then — unless
// SkipNetwork is set — schedules a throttled network publish. A burst of
// publishes to the same key within the throttle window coalesces to a
// single network event carrying the latest root.
func (r *Resolver) Publish(ctx context.Context, key TreeKey, root block.CID, opts PublishOptions) error {
	now := nowUnix()
	r.mu.Lock()
	r.cache[key] = CacheEntry{
		HasRoot:    true,
		RootHash:   root.Hash,
		RootKey:    root.Key,
		Visibility: opts.Visibility,
		Timestamp:  now,
	}
	r.mu.Unlock()

	if opts.SkipNetwork {
		return nil
	}
	if r.identity == nil {
		return errNoIdentity
	}
	if r.publisher == nil {
		return errNoPublisher
	}
	r.schedulePublish(key, root, opts.Visibility, opts.LinkKey)
	return nil
}

// Delete publishes a tombstone for key (an event with no "hash" tag),
// cancelling any pending throttled publish first so it cannot race the
// tombstone onto the wire out of order.
func (r *Resolver) Delete(ctx context.Context, key TreeKey) error {
	r.cancelPending(key)

	r.mu.Lock()
	r.cache[key] = CacheEntry{HasRoot: false, Timestamp: nowUnix()}
	r.mu.Unlock()

	if r.identity == nil {
		return errNoIdentity
	}
	if r.publisher == nil {
		return errNoPublisher
	}
	ev, err := r.buildEvent(ctx, key, nil, Public, nil)
	if err != nil {
		return err
	}
	return r.publisher.Publish(ctx, ev)
}

func (r *Resolver) schedulePublish(key TreeKey, root block.CID, vis Visibility, linkKey *cryptolayer.Key) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	if p, ok := r.pending[key]; ok {
		p.root, p.vis, p.linkKey = root, vis, linkKey
		return // coalesce: the existing timer will publish this latest root
	}

	p := &pendingPublish{root: root, vis: vis, linkKey: linkKey}
	p.timer = time.AfterFunc(r.throttle, func() { r.firePublish(key) })
	r.pending[key] = p
}

func (r *Resolver) cancelPending(key TreeKey) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if p, ok := r.pending[key]; ok {
		p.timer.Stop()
		delete(r.pending, key)
	}
}

func (r *Resolver) firePublish(key TreeKey) {
	r.pendingMu.Lock()
	p, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.pendingMu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	ev, err := r.buildEvent(ctx, key, &p.root, p.vis, p.linkKey)
	if err != nil {
		r.log.WithError(err).WithField("key", key.String()).Warn("failed to build pointer event")
		return
	}
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.log.WithError(err).WithField("key", key.String()).Warn("failed to publish pointer event")
	}
}

// buildEvent constructs and signs a pointer event for key. root == nil
// produces a tombstone (no "hash" tag).
func (r *Resolver) buildEvent(ctx context.Context, key TreeKey, root *block.CID, vis Visibility, linkKey *cryptolayer.Key) (Event, error) {
	tags := []Tag{
		{Name: "d", Values: []string{key.Name}},
		{Name: "l", Values: []string{"hashtree"}},
	}

	if root != nil && root.HasKey() {
		switch vis {
		case Public:
			tags = append(tags, Tag{Name: "key", Values: []string{hex.EncodeToString(root.Key[:])}})
		case Unlisted:
			if linkKey == nil {
				return Event{}, fmt.Errorf("resolver: unlisted publish requires a link key")
			}
			sealed, err := cryptolayer.Seal(linkKey, root.Key[:])
			if err != nil {
				return Event{}, err
			}
			keyID := block.Sum(linkKey[:])
			tags = append(tags,
				Tag{Name: "encryptedKey", Values: []string{hex.EncodeToString(sealed)}},
				Tag{Name: "keyId", Values: []string{keyID.String()}},
			)
			if selfSealed, ok := r.sealToSelf(ctx, root.Key[:]); ok {
				tags = append(tags, Tag{Name: "selfEncryptedKey", Values: []string{hex.EncodeToString(selfSealed)}})
			}
		case Private:
			selfSealed, ok := r.sealToSelf(ctx, root.Key[:])
			if !ok {
				return Event{}, fmt.Errorf("resolver: private publish requires a self-encryption-capable identity")
			}
			tags = append(tags, Tag{Name: "selfEncryptedKey", Values: []string{hex.EncodeToString(selfSealed)}})
		default:
			return Event{}, ErrUnknownVisibility
		}
	}

	if root != nil {
		tags = append(tags, Tag{Name: "hash", Values: []string{root.Hash.String()}})
	}

	unsigned := Event{
		PubKey:    r.identity.PubKey(),
		CreatedAt: nowUnix(),
		Kind:      PointerEventKind,
		Tags:      tags,
	}
	return r.identity.Sign(ctx, unsigned)
}

func (r *Resolver) sealToSelf(ctx context.Context, plain []byte) ([]byte, bool) {
	key, ok := r.selfKeyFor(ctx)
	if !ok {
		return nil, false
	}
	sealed, err := cryptolayer.Seal(&key, plain)
	if err != nil {
		return nil, false
	}
	return sealed, true
}

// PointerEventKind is the fixed replaceable event kind used for hashtree
// pointer events.
const PointerEventKind = 30078

var nowUnixFn = func() int64 { return time.Now().Unix() }

func nowUnix() int64 { return nowUnixFn() }
