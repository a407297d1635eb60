// Package nostradapter adapts github.com/nbd-wtf/go-nostr to the
// resolver.Signer, resolver.EventPublisher, resolver.EventSubscription and
// resolver.Verifier interfaces, so the reference resolver can run against
// the real Nostr relay network: pointer events are ordinary NIP-33
// parameterized-replaceable events (kind 30078, "d" tag = tree name).
package nostradapter

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mmalmi/hashtree-go/pkg/resolver"
)

// toNostrTags converts the transport-agnostic tag list into nostr.Tags.
func toNostrTags(tags []resolver.Tag) nostr.Tags {
	out := make(nostr.Tags, 0, len(tags))
	for _, t := range tags {
		row := make(nostr.Tag, 0, 1+len(t.Values))
		row = append(row, t.Name)
		row = append(row, t.Values...)
		out = append(out, row)
	}
	return out
}

// fromNostrTags converts nostr.Tags back into the resolver's tag shape.
func fromNostrTags(tags nostr.Tags) []resolver.Tag {
	out := make([]resolver.Tag, 0, len(tags))
	for _, row := range tags {
		if len(row) == 0 {
			continue
		}
		out = append(out, resolver.Tag{Name: row[0], Values: append([]string(nil), row[1:]...)})
	}
	return out
}

// ToEvent converts a resolver.Event into a nostr.Event, unsigned (ID and
// Sig are left as whatever the input carried; Sign populates them).
func ToEvent(e resolver.Event) nostr.Event {
	return nostr.Event{
		ID:        e.ID,
		PubKey:    e.PubKey,
		CreatedAt: nostr.Timestamp(e.CreatedAt),
		Kind:      e.Kind,
		Tags:      toNostrTags(e.Tags),
		Content:   e.Content,
		Sig:       e.Sig,
	}
}

// FromEvent converts a nostr.Event into the resolver's transport-agnostic
// Event shape.
func FromEvent(ev nostr.Event) resolver.Event {
	return resolver.Event{
		ID:        ev.ID,
		PubKey:    ev.PubKey,
		CreatedAt: int64(ev.CreatedAt),
		Kind:      ev.Kind,
		Tags:      fromNostrTags(ev.Tags),
		Content:   ev.Content,
		Sig:       ev.Sig,
	}
}

// Verifier checks a pointer event's Nostr signature.
type Verifier struct{}

func (Verifier) Verify(e resolver.Event) error {
	ok, err := ToEvent(e).CheckSignature()
	if err != nil {
		return fmt.Errorf("%w: %v", resolver.ErrSignatureMismatch, err)
	}
	if !ok {
		return resolver.ErrSignatureMismatch
	}
	return nil
}

var _ resolver.Verifier = Verifier{}
