package resolver

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/mmalmi/hashtree-go/pkg/block"
	"github.com/mmalmi/hashtree-go/pkg/cryptolayer"
)

type fakeSigner struct {
	pubKey  string
	selfKey cryptolayer.Key
}

func (f *fakeSigner) PubKey() string { return f.pubKey }

func (f *fakeSigner) Sign(ctx context.Context, e Event) (Event, error) {
	e.ID = "signed"
	e.Sig = "sig"
	return e, nil
}

func (f *fakeSigner) DeriveSelfKey(ctx context.Context) (cryptolayer.Key, error) {
	return f.selfKey, nil
}

type fakePublisher struct {
	events []Event
}

func (f *fakePublisher) Publish(ctx context.Context, e Event) error {
	f.events = append(f.events, e)
	return nil
}

type fakeSubscription struct {
	ch chan Event
}

func (f *fakeSubscription) Events() <-chan Event { return f.ch }
func (f *fakeSubscription) Close() error         { close(f.ch); return nil }

type fakeSubscriber struct {
	sub *fakeSubscription
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, signer, name string) (EventSubscription, error) {
	f.sub = &fakeSubscription{ch: make(chan Event, 16)}
	return f.sub, nil
}

func hashTag(h block.Hash) Tag {
	return Tag{Name: "hash", Values: []string{h.String()}}
}

func TestPublishUpdatesCacheSynchronously(t *testing.T) {
	signer := &fakeSigner{pubKey: "owner"}
	pub := &fakePublisher{}
	r := New(signer, pub, nil, time.Hour, nil)

	key := TreeKey{Signer: "owner", Name: "mytree"}
	var root block.CID
	root.Hash[0] = 1

	if err := r.Publish(context.Background(), key, root, PublishOptions{Visibility: Public}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	cid, ok, err := r.Resolve(context.Background(), key, nil)
	if err != nil || !ok {
		t.Fatalf("Resolve: ok=%v err=%v", ok, err)
	}
	if !cid.Equal(root) {
		t.Fatalf("Resolve returned %+v, want %+v", cid, root)
	}
}

func TestPublishThrottleCoalesces(t *testing.T) {
	signer := &fakeSigner{pubKey: "owner"}
	pub := &fakePublisher{}
	r := New(signer, pub, nil, 20*time.Millisecond, nil)
	key := TreeKey{Signer: "owner", Name: "t"}

	var r1, r2 block.CID
	r1.Hash[0], r2.Hash[0] = 1, 2

	if err := r.Publish(context.Background(), key, r1, PublishOptions{Visibility: Public}); err != nil {
		t.Fatal(err)
	}
	if err := r.Publish(context.Background(), key, r2, PublishOptions{Visibility: Public}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(60 * time.Millisecond)
	if len(pub.events) != 1 {
		t.Fatalf("published %d events, want exactly 1 (coalesced)", len(pub.events))
	}
	got, _ := pub.events[0].Tag("hash")
	if got != r2.Hash.String() {
		t.Fatalf("published root = %s, want latest %s", got, r2.Hash.String())
	}
}

func TestDeleteCancelsPendingPublish(t *testing.T) {
	signer := &fakeSigner{pubKey: "owner"}
	pub := &fakePublisher{}
	r := New(signer, pub, nil, 20*time.Millisecond, nil)
	key := TreeKey{Signer: "owner", Name: "t"}

	var root block.CID
	root.Hash[0] = 9
	if err := r.Publish(context.Background(), key, root, PublishOptions{Visibility: Public}); err != nil {
		t.Fatal(err)
	}
	if err := r.Delete(context.Background(), key); err != nil {
		t.Fatal(err)
	}

	time.Sleep(60 * time.Millisecond)
	if len(pub.events) != 1 {
		t.Fatalf("published %d events, want exactly 1 (the tombstone)", len(pub.events))
	}
	if _, has := pub.events[0].Tag("hash"); has {
		t.Fatalf("tombstone event should carry no hash tag")
	}
}

func TestSubscribeAppliesNewestWinsWithHashTiebreak(t *testing.T) {
	sub := &fakeSubscriber{}
	r := New(nil, nil, sub, time.Hour, nil)
	key := TreeKey{Signer: "other", Name: "t"}

	var got []CacheEntry
	_, err := r.Subscribe(context.Background(), key, func(e CacheEntry) { got = append(got, e) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var hLow, hHigh block.Hash
	hLow[0], hHigh[0] = 1, 2 // hLow < hHigh lexicographically

	ev1 := Event{CreatedAt: 100, Tags: []Tag{{Name: "d", Values: []string{"t"}}, hashTag(hHigh)}}
	ev2 := Event{CreatedAt: 100, Tags: []Tag{{Name: "d", Values: []string{"t"}}, hashTag(hLow)}} // equal ts, lower hash wins
	ev3 := Event{CreatedAt: 50, Tags: []Tag{{Name: "d", Values: []string{"t"}}, hashTag(hHigh)}} // older, must be rejected

	sub.sub.ch <- ev1
	time.Sleep(10 * time.Millisecond)
	sub.sub.ch <- ev2
	time.Sleep(10 * time.Millisecond)
	sub.sub.ch <- ev3
	time.Sleep(10 * time.Millisecond)

	if len(got) != 2 {
		t.Fatalf("callback invoked %d times, want 2 (ev3 should be rejected as stale)", len(got))
	}
	if got[len(got)-1].RootHash != hLow {
		t.Fatalf("final accepted hash = %x, want %x", got[len(got)-1].RootHash, hLow)
	}
}

func TestUnlistedRecoveryViaLinkKey(t *testing.T) {
	linkKey, err := cryptolayer.RandomKey()
	if err != nil {
		t.Fatal(err)
	}
	rootKey, err := cryptolayer.RandomKey()
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := cryptolayer.Seal(&linkKey, rootKey[:])
	if err != nil {
		t.Fatal(err)
	}
	keyID := block.Sum(linkKey[:])

	sub := &fakeSubscriber{}
	r := New(nil, nil, sub, time.Hour, nil)
	key := TreeKey{Signer: "owner", Name: "t"}

	_, err = r.Subscribe(context.Background(), key, nil)
	if err != nil {
		t.Fatal(err)
	}

	var rootHash block.Hash
	rootHash[0] = 7
	ev := Event{
		CreatedAt: 1,
		Tags: []Tag{
			{Name: "d", Values: []string{"t"}},
			hashTag(rootHash),
			{Name: "encryptedKey", Values: []string{hex.EncodeToString(sealed)}},
			{Name: "keyId", Values: []string{keyID.String()}},
		},
	}
	sub.sub.ch <- ev
	time.Sleep(10 * time.Millisecond)

	cid, ok, err := r.Resolve(context.Background(), key, nil)
	if err != nil || !ok {
		t.Fatalf("Resolve without link key: ok=%v err=%v", ok, err)
	}
	if cid.Key != nil {
		t.Fatalf("root key should be locked without the link key")
	}

	cid, ok, err = r.Resolve(context.Background(), key, &linkKey)
	if err != nil || !ok {
		t.Fatalf("Resolve with link key: ok=%v err=%v", ok, err)
	}
	if cid.Key == nil || *cid.Key != rootKey {
		t.Fatalf("Resolve with link key did not recover root key")
	}
}

func TestPrivateEventRejectedWithoutSelfKey(t *testing.T) {
	sub := &fakeSubscriber{}
	r := New(nil, nil, sub, time.Hour, nil) // no identity => cannot self-decrypt
	key := TreeKey{Signer: "owner", Name: "t"}

	var calls int
	_, err := r.Subscribe(context.Background(), key, func(e CacheEntry) { calls++ })
	if err != nil {
		t.Fatal(err)
	}

	var rootHash block.Hash
	rootHash[0] = 3
	ev := Event{
		CreatedAt: 1,
		Tags: []Tag{
			{Name: "d", Values: []string{"t"}},
			hashTag(rootHash),
			{Name: "selfEncryptedKey", Values: []string{"deadbeef"}},
		},
	}
	sub.sub.ch <- ev
	time.Sleep(10 * time.Millisecond)

	if calls != 0 {
		t.Fatalf("private event with no usable self key should have been rejected entirely")
	}
}

func TestPrivateEventRecoveredWithSelfKey(t *testing.T) {
	selfKey, err := cryptolayer.RandomKey()
	if err != nil {
		t.Fatal(err)
	}
	rootKey, err := cryptolayer.RandomKey()
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := cryptolayer.Seal(&selfKey, rootKey[:])
	if err != nil {
		t.Fatal(err)
	}

	signer := &fakeSigner{pubKey: "owner", selfKey: selfKey}
	sub := &fakeSubscriber{}
	r := New(signer, nil, sub, time.Hour, nil)
	key := TreeKey{Signer: "owner", Name: "t"}

	var got CacheEntry
	_, err = r.Subscribe(context.Background(), key, func(e CacheEntry) { got = e })
	if err != nil {
		t.Fatal(err)
	}

	var rootHash block.Hash
	rootHash[0] = 4
	ev := Event{
		CreatedAt: 1,
		Tags: []Tag{
			{Name: "d", Values: []string{"t"}},
			hashTag(rootHash),
			{Name: "selfEncryptedKey", Values: []string{hex.EncodeToString(sealed)}},
		},
	}
	sub.sub.ch <- ev
	time.Sleep(10 * time.Millisecond)

	if got.RootKey == nil || *got.RootKey != rootKey {
		t.Fatalf("private event was not recovered via self key")
	}
}

func TestParseEventRejectsMissingDTag(t *testing.T) {
	_, err := parseEvent(Event{CreatedAt: 1})
	if err == nil {
		t.Fatalf("expected error for missing d tag")
	}
}
