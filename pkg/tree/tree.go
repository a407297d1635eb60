// Package tree implements the tree engine (C4): copy-on-write operations over
// directory and file nodes stored in a block store, encrypted per C2.
package tree

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmalmi/hashtree-go/pkg/block"
	"github.com/mmalmi/hashtree-go/pkg/cryptolayer"
)

// Errors returned by this package.
var (
	ErrNotFound      = errors.New("tree: not found")
	ErrNotADirectory = errors.New("tree: not a directory")
)

// BlockStore is the subset of store.Store the tree engine needs. Defined
// locally so this package depends on an interface, not a concrete store
// implementation.
type BlockStore interface {
	Put(ctx context.Context, data []byte) (block.Hash, error)
	Get(ctx context.Context, h block.Hash) ([]byte, error)
}

// Key is the C2 symmetric key type.
type Key = cryptolayer.Key

// Tree is a stateless engine over a block store: every public method takes
// CIDs in and returns CIDs out, retaining no state across calls.
type Tree struct {
	store          BlockStore
	chunkThreshold int
	chunkSize      int
}

// DefaultChunkThreshold and DefaultChunkSize are the stock settings: files up
// to 256 KiB are stored as a single blob; larger files are split into 256 KiB
// chunks (the trailing chunk short).
const (
	DefaultChunkThreshold = 256 * 1024
	DefaultChunkSize      = 256 * 1024
)

// New constructs a Tree over store. A chunkThreshold or chunkSize of 0 uses
// the package defaults.
func New(store BlockStore, chunkThreshold, chunkSize int) *Tree {
	if chunkThreshold <= 0 {
		chunkThreshold = DefaultChunkThreshold
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Tree{store: store, chunkThreshold: chunkThreshold, chunkSize: chunkSize}
}

// readBlock fetches and decrypts the block addressed by cid, returning its
// kind and decoded body.
func (t *Tree) readBlock(ctx context.Context, cid block.CID) (block.Kind, []byte, error) {
	raw, err := t.store.Get(ctx, cid.Hash)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	plain, err := cryptolayer.Open(cid.Key, raw)
	if err != nil {
		return 0, nil, err
	}
	return block.Decode(plain)
}

// writeChild encrypts and stores a brand-new node under parentKey, deriving
// the node's own key by mixing parentKey with the node's plaintext hash
// (nil parentKey yields an unencrypted, nil-keyed node). Use this for any
// node that did not previously exist.
func (t *Tree) writeChild(ctx context.Context, kind block.Kind, body []byte, parentKey *Key) (block.CID, error) {
	plain := block.Encode(kind, body)
	var childKey *Key
	if parentKey != nil {
		hash := block.Sum(plain)
		k, err := cryptolayer.DeriveChildKey(*parentKey, hash)
		if err != nil {
			return block.CID{}, err
		}
		childKey = &k
	}
	sealed, err := cryptolayer.Seal(childKey, plain)
	if err != nil {
		return block.CID{}, err
	}
	h, err := t.store.Put(ctx, sealed)
	if err != nil {
		return block.CID{}, err
	}
	return block.CID{Hash: h, Key: childKey}, nil
}

// rewriteWithKey re-encrypts an existing node's new content under the same
// key it already had. A node's key is fixed at the node's own creation and
// carried unchanged across later edits to its contents — this is what lets
// a reader walk an entire tree from nothing but the root key, since no
// ancestor's key ever needs to be recomputed relative to its children's new
// values. Use this for every directory rewritten by SetEntry/RemoveEntry on
// the path back up to the root.
func (t *Tree) rewriteWithKey(ctx context.Context, kind block.Kind, body []byte, key *Key) (block.CID, error) {
	plain := block.Encode(kind, body)
	sealed, err := cryptolayer.Seal(key, plain)
	if err != nil {
		return block.CID{}, err
	}
	h, err := t.store.Put(ctx, sealed)
	if err != nil {
		return block.CID{}, err
	}
	return block.CID{Hash: h, Key: key}, nil
}

// NewRootDir mints a new tree from a flat entry list, assigning it key as
// its root key directly (no derivation: a random key for private/unlisted
// trees, nil for public trees).
func (t *Tree) NewRootDir(ctx context.Context, entries []block.Entry, key *Key) (block.CID, error) {
	dir, err := block.NewDir(entries)
	if err != nil {
		return block.CID{}, err
	}
	return t.rewriteWithKey(ctx, block.KindDir, dir.Encode(), key)
}

// PutDirectory validates, sorts and stores a directory node as a new child
// of whatever holds parentKey.
func (t *Tree) PutDirectory(ctx context.Context, entries []block.Entry, parentKey *Key) (block.CID, error) {
	dir, err := block.NewDir(entries)
	if err != nil {
		return block.CID{}, err
	}
	return t.writeChild(ctx, block.KindDir, dir.Encode(), parentKey)
}

// WriteFile stores data as a new blob or chunked node, whichever its size
// calls for, as a child of whatever holds parentKey.
func (t *Tree) WriteFile(ctx context.Context, data []byte, parentKey *Key) (block.CID, error) {
	if len(data) <= t.chunkThreshold {
		return t.writeChild(ctx, block.KindBlob, data, parentKey)
	}
	return t.writeChunked(ctx, data, parentKey)
}

// ReadPath walks path from root, returning the CID and link type of the
// entry found at the end. An empty path returns root itself as a directory.
func (t *Tree) ReadPath(ctx context.Context, root block.CID, path Path) (block.CID, block.LinkType, error) {
	cur := root
	curType := block.LinkDir
	for _, seg := range path {
		kind, body, err := t.readBlock(ctx, cur)
		if err != nil {
			return block.CID{}, 0, err
		}
		if kind != block.KindDir {
			return block.CID{}, 0, ErrNotADirectory
		}
		dir, err := block.DecodeDir(body)
		if err != nil {
			return block.CID{}, 0, err
		}
		entry, ok := findEntry(dir, seg)
		if !ok {
			return block.CID{}, 0, fmt.Errorf("%w: %q", ErrNotFound, seg)
		}
		cur = entry.CID
		curType = entry.Type
	}
	return cur, curType, nil
}

func findEntry(dir block.Dir, name string) (block.Entry, bool) {
	// Entries are sorted; a linear scan is fine for the directory sizes this
	// engine expects, and keeps this file free of a second sort-dependent
	// search helper to keep in sync with block.DecodeDir's invariant.
	for _, e := range dir.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return block.Entry{}, false
}

// ListDirectory decodes cid as a directory and returns its entries in
// stored (sorted) order.
func (t *Tree) ListDirectory(ctx context.Context, cid block.CID) ([]block.Entry, error) {
	kind, body, err := t.readBlock(ctx, cid)
	if err != nil {
		return nil, err
	}
	if kind != block.KindDir {
		return nil, ErrNotADirectory
	}
	dir, err := block.DecodeDir(body)
	if err != nil {
		return nil, err
	}
	return dir.Entries, nil
}

// IsDirectory reports whether cid addresses a directory node.
func (t *Tree) IsDirectory(ctx context.Context, cid block.CID) (bool, error) {
	kind, _, err := t.readBlock(ctx, cid)
	if err != nil {
		return false, err
	}
	return kind == block.KindDir, nil
}

// ReadFile returns the full contents addressed by cid, reassembling chunks
// in order if cid is a chunked node.
func (t *Tree) ReadFile(ctx context.Context, cid block.CID) ([]byte, error) {
	kind, body, err := t.readBlock(ctx, cid)
	if err != nil {
		return nil, err
	}
	switch kind {
	case block.KindBlob:
		return body, nil
	case block.KindChunked:
		return t.readChunked(ctx, body)
	default:
		return nil, fmt.Errorf("%w: cid is a directory, not a file", ErrNotADirectory)
	}
}

// ancestor is one directory visited while walking down to a mutation site:
// its existing CID (hash and key) and the name of the child entry on the
// path being followed.
type ancestor struct {
	cid       block.CID
	childName string
}

// walkAncestors resolves parentPath from root, returning the directory at
// each step (root first) paired with the name of the next hop, and the
// final directory's CID. It fails with ErrNotFound if any prefix segment is
// missing, and ErrNotADirectory if a prefix resolves to a blob.
func (t *Tree) walkAncestors(ctx context.Context, root block.CID, parentPath Path) ([]ancestor, block.CID, error) {
	var chain []ancestor
	cur := root
	for _, seg := range parentPath {
		kind, body, err := t.readBlock(ctx, cur)
		if err != nil {
			return nil, block.CID{}, err
		}
		if kind != block.KindDir {
			return nil, block.CID{}, ErrNotADirectory
		}
		dir, err := block.DecodeDir(body)
		if err != nil {
			return nil, block.CID{}, err
		}
		entry, ok := findEntry(dir, seg)
		if !ok {
			return nil, block.CID{}, fmt.Errorf("%w: %q", ErrNotFound, seg)
		}
		chain = append(chain, ancestor{cid: cur, childName: seg})
		cur = entry.CID
	}
	// cur now addresses the parent directory itself; confirm it is one.
	kind, _, err := t.readBlock(ctx, cur)
	if err != nil {
		return nil, block.CID{}, err
	}
	if kind != block.KindDir {
		return nil, block.CID{}, ErrNotADirectory
	}
	return chain, cur, nil
}

// SetEntry inserts or replaces name under the directory at parentPath (from
// root), then rewrites every ancestor directory back up to the root so each
// points at the new version of its child. Each rewritten ancestor keeps its
// existing key (see rewriteWithKey); only the leaf entry's CID is supplied
// by the caller, typically produced by a prior WriteFile/PutDirectory call.
func (t *Tree) SetEntry(ctx context.Context, root block.CID, parentPath Path, name string, childCID block.CID, size uint64, typ block.LinkType) (block.CID, error) {
	chain, parentCID, err := t.walkAncestors(ctx, root, parentPath)
	if err != nil {
		return block.CID{}, err
	}

	newParentCID, err := t.rewriteDirectory(ctx, parentCID, func(entries []block.Entry) []block.Entry {
		return upsertEntry(entries, block.Entry{Name: name, CID: childCID, Size: size, Type: typ})
	})
	if err != nil {
		return block.CID{}, err
	}
	return t.propagateUp(ctx, chain, newParentCID)
}

// RemoveEntry deletes name from the directory at parentPath and rewrites
// ancestors up to the root. An empty directory left behind is retained, not
// collapsed.
func (t *Tree) RemoveEntry(ctx context.Context, root block.CID, parentPath Path, name string) (block.CID, error) {
	chain, parentCID, err := t.walkAncestors(ctx, root, parentPath)
	if err != nil {
		return block.CID{}, err
	}

	newParentCID, err := t.rewriteDirectory(ctx, parentCID, func(entries []block.Entry) []block.Entry {
		return removeEntry(entries, name)
	})
	if err != nil {
		return block.CID{}, err
	}
	return t.propagateUp(ctx, chain, newParentCID)
}

func (t *Tree) rewriteDirectory(ctx context.Context, dirCID block.CID, edit func([]block.Entry) []block.Entry) (block.CID, error) {
	kind, body, err := t.readBlock(ctx, dirCID)
	if err != nil {
		return block.CID{}, err
	}
	if kind != block.KindDir {
		return block.CID{}, ErrNotADirectory
	}
	dir, err := block.DecodeDir(body)
	if err != nil {
		return block.CID{}, err
	}
	newEntries := edit(dir.Entries)
	newDir, err := block.NewDir(newEntries)
	if err != nil {
		return block.CID{}, err
	}
	return t.rewriteWithKey(ctx, block.KindDir, newDir.Encode(), dirCID.Key)
}

// propagateUp rewrites every ancestor in chain (closest-to-root last),
// starting from the already-rewritten directory newChild, and returns the
// new root CID.
func (t *Tree) propagateUp(ctx context.Context, chain []ancestor, newChild block.CID) (block.CID, error) {
	cur := newChild
	for i := len(chain) - 1; i >= 0; i-- {
		a := chain[i]
		var childSize uint64
		var childType block.LinkType
		kind, body, err := t.readBlock(ctx, a.cid)
		if err != nil {
			return block.CID{}, err
		}
		if kind != block.KindDir {
			return block.CID{}, ErrNotADirectory
		}
		dir, err := block.DecodeDir(body)
		if err != nil {
			return block.CID{}, err
		}
		if existing, ok := findEntry(dir, a.childName); ok {
			childSize = existing.Size
			childType = existing.Type
		} else {
			childType = block.LinkDir
		}
		newCID, err := t.rewriteDirectory(ctx, a.cid, func(entries []block.Entry) []block.Entry {
			return upsertEntry(entries, block.Entry{Name: a.childName, CID: cur, Size: childSize, Type: childType})
		})
		if err != nil {
			return block.CID{}, err
		}
		cur = newCID
	}
	return cur, nil
}

func upsertEntry(entries []block.Entry, e block.Entry) []block.Entry {
	out := make([]block.Entry, 0, len(entries)+1)
	replaced := false
	for _, existing := range entries {
		if existing.Name == e.Name {
			out = append(out, e)
			replaced = true
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, e)
	}
	return out
}

func removeEntry(entries []block.Entry, name string) []block.Entry {
	out := make([]block.Entry, 0, len(entries))
	for _, existing := range entries {
		if existing.Name == name {
			continue
		}
		out = append(out, existing)
	}
	return out
}
