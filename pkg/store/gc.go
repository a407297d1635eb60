package store

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/mmalmi/hashtree-go/pkg/block"
	"github.com/mmalmi/hashtree-go/pkg/cryptolayer"
)

// RootProvider assembles the current liveness root set: every pointer in
// the resolver's local cache for a locally held identity, every pointer
// held open by a live subscription, and any application-pinned tree. A
// block is live iff reachable from one of these roots.
type RootProvider interface {
	LiveRoots(ctx context.Context) ([]block.CID, error)
}

// GC runs one mark-and-sweep pass. If explicitRoots is non-empty it is used
// in place of the attached RootProvider; otherwise the provider supplied to
// New via WithRootProvider is consulted. GC returns the number of blocks
// swept (deleted).
//
// Sweep never reaps a hash with a put or get in flight: the mark set is
// widened with Store.InflightSnapshot after the reachability walk but
// before any file is removed, so a block that becomes live (or is being
// written) during the pass survives it.
func (s *Store) GC(ctx context.Context, explicitRoots ...block.CID) (int, error) {
	if !atomic.CompareAndSwapInt32(&s.gcInProgress, 0, 1) {
		return 0, nil // a pass is already running; skip rather than stack up
	}
	defer atomic.StoreInt32(&s.gcInProgress, 0)

	roots := explicitRoots
	if len(roots) == 0 {
		if s.roots == nil {
			return 0, fmt.Errorf("store: gc requested with no root provider and no explicit roots")
		}
		var err error
		roots, err = s.roots.LiveRoots(ctx)
		if err != nil {
			return 0, fmt.Errorf("store: gc: fetch live roots: %w", err)
		}
	}

	mark := make(map[block.Hash]struct{})
	for _, root := range roots {
		if err := s.markReachable(ctx, root, mark); err != nil {
			// A missing or corrupt block under a live root is not fatal to
			// GC as a whole; skip it and keep sweeping conservatively.
			s.log.WithError(err).WithField("root", root.Hash.String()).
				Warn("gc: failed to walk root, leaving its subtree unmarked")
		}
	}

	for h := range s.InflightSnapshot() {
		mark[h] = struct{}{}
	}

	swept := 0
	for h := range s.Iter(ctx) {
		if _, live := mark[h]; live {
			continue
		}
		if err := s.Delete(h); err != nil {
			s.log.WithError(err).WithField("hash", h.String()).Warn("gc: failed to delete block")
			continue
		}
		swept++
	}
	return swept, nil
}

func (s *Store) markReachable(ctx context.Context, c block.CID, mark map[block.Hash]struct{}) error {
	if _, seen := mark[c.Hash]; seen {
		return nil
	}
	mark[c.Hash] = struct{}{}

	raw, err := s.Get(ctx, c.Hash)
	if err != nil {
		return err
	}
	plain, err := cryptolayer.Open(c.Key, raw)
	if err != nil {
		return err
	}
	kind, body, err := block.Decode(plain)
	if err != nil {
		return err
	}

	switch kind {
	case block.KindBlob:
		return nil
	case block.KindDir:
		dir, err := block.DecodeDir(body)
		if err != nil {
			return err
		}
		for _, e := range dir.Entries {
			if err := s.markReachable(ctx, e.CID, mark); err != nil {
				return err
			}
		}
		return nil
	case block.KindChunked:
		chunked, err := block.DecodeChunked(body)
		if err != nil {
			return err
		}
		for _, ch := range chunked.Chunks {
			if err := s.markReachable(ctx, ch.CID, mark); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("store: gc: unknown block kind %d", kind)
	}
}
