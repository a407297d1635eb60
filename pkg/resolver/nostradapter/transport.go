package nostradapter

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mmalmi/hashtree-go/pkg/resolver"
)

// Publisher forwards pointer events to a fixed set of relay URLs using
// a github.com/nbd-wtf/go-nostr SimplePool.
type Publisher struct {
	pool *nostr.SimplePool
	urls []string
}

// NewPublisher returns a publisher for the given relay URLs; relays are
// connected lazily, by Publish.
func NewPublisher(pool *nostr.SimplePool, urls []string) *Publisher {
	return &Publisher{pool: pool, urls: urls}
}

func (p *Publisher) Publish(ctx context.Context, e resolver.Event) error {
	ev := ToEvent(e)
	var firstErr error
	for _, url := range p.urls {
		relay, err := p.pool.EnsureRelay(url)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := relay.Publish(ctx, ev); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Subscriber opens NIP-33 subscriptions for hashtree pointer events
// (kind 30078, "d" tag = tree name, authored by a fixed pubkey).
type Subscriber struct {
	pool *nostr.SimplePool
	urls []string
}

// NewSubscriber constructs a Subscriber over the given relay URLs.
func NewSubscriber(pool *nostr.SimplePool, urls []string) *Subscriber {
	return &Subscriber{pool: pool, urls: urls}
}

func (s *Subscriber) Subscribe(ctx context.Context, signerPubKey, treeName string) (resolver.EventSubscription, error) {
	filter := nostr.Filter{
		Kinds:   []int{resolver.PointerEventKind},
		Authors: []string{signerPubKey},
		Tags:    nostr.TagMap{"d": []string{treeName}},
	}
	sub := s.pool.SubMany(ctx, s.urls, []nostr.Filter{filter})
	if sub == nil {
		return nil, fmt.Errorf("nostradapter: subscribe failed for %s/%s", signerPubKey, treeName)
	}

	out := make(chan resolver.Event, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for ie := range sub {
			select {
			case out <- FromEvent(*ie.Event):
			case <-done:
				return
			}
		}
	}()

	return &subscription{events: out, done: done}, nil
}

type subscription struct {
	events chan resolver.Event
	done   chan struct{}
}

func (s *subscription) Events() <-chan resolver.Event { return s.events }

func (s *subscription) Close() error {
	close(s.done)
	return nil
}

var (
	_ resolver.EventPublisher  = (*Publisher)(nil)
	_ resolver.EventSubscriber = (*Subscriber)(nil)
)
