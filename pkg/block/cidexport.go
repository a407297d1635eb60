package block

import (
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// ExportCID renders a block hash as an IPFS-tooling-compatible CIDv1 string,
// for operator debugging only. It is a one-way presentation helper: nothing
// in this module parses these strings back into a Hash, and internal lookups
// always key on the raw 32-byte Hash, never on this encoding.
//
// Builds a CIDv1 over a raw multihash, the same construction used for
// pinned content elsewhere (github.com/ipfs/go-cid +
// github.com/multiformats/go-multihash).
func ExportCID(h Hash) (string, error) {
	// IDENTITY wraps bytes verbatim in a multihash frame without rehashing
	// them; the block hash is already the canonical digest, so we don't
	// want multihash to hash it a second time under some other function.
	encoded, err := mh.Encode(h[:], mh.IDENTITY)
	if err != nil {
		return "", err
	}
	c := cid.NewCidV1(cid.Raw, encoded)
	return c.String(), nil
}
