package store

import (
	"context"
	"sync"

	"github.com/mmalmi/hashtree-go/pkg/block"
)

// MultiRootProvider concatenates several RootProviders into one, letting the
// liveness root set be assembled from independent sources (the resolver's
// owned/subscribed trees, and an application-pinned set) without C3 knowing
// about either concretely.
type MultiRootProvider []RootProvider

func (m MultiRootProvider) LiveRoots(ctx context.Context) ([]block.CID, error) {
	var all []block.CID
	for _, p := range m {
		roots, err := p.LiveRoots(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, roots...)
	}
	return all, nil
}

// PinSet is a simple application-pinned root set: trees explicitly marked
// sticky regardless of subscription state.
type PinSet struct {
	mu    sync.Mutex
	roots map[block.Hash]block.CID
}

// NewPinSet constructs an empty pin set.
func NewPinSet() *PinSet {
	return &PinSet{roots: make(map[block.Hash]block.CID)}
}

// Pin marks cid as sticky.
func (p *PinSet) Pin(cid block.CID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roots[cid.Hash] = cid
}

// Unpin removes a previously pinned root.
func (p *PinSet) Unpin(hash block.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.roots, hash)
}

// LiveRoots implements RootProvider.
func (p *PinSet) LiveRoots(ctx context.Context) ([]block.CID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]block.CID, 0, len(p.roots))
	for _, cid := range p.roots {
		out = append(out, cid)
	}
	return out, nil
}
