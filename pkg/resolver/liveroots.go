package resolver

import (
	"context"

	"github.com/mmalmi/hashtree-go/pkg/block"
)

// LiveRoots implements store.RootProvider: every tree currently tracked by
// this resolver (owned trees and those held open by a live subscription)
// whose root is both known and fully decrypted. Locked entries (root key
// undisclosed) contribute nothing to the walk — their blocks cannot be
// reached without the key anyway, so they cannot be marked live from here.
func (r *Resolver) LiveRoots(ctx context.Context) ([]block.CID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roots := make([]block.CID, 0, len(r.cache))
	for _, entry := range r.cache {
		cid, ok := entry.CID()
		if !ok {
			continue
		}
		if entry.Visibility != Public && cid.Key == nil {
			continue // locked: undecryptable, so unreachable for GC purposes
		}
		roots = append(roots, cid)
	}
	return roots, nil
}
