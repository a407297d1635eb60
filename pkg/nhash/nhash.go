package nhash

import (
	"github.com/mmalmi/hashtree-go/pkg/block"
)

// HRP is the human-readable prefix for block identifiers.
const HRP = "nhash"

// Version1 is the only identifier version this package currently emits or
// accepts.
const Version1 = 1

// Encode renders a CID as an "nhash1..." string. A CID with no key
// produces a shorter identifier than one with a key, by exactly the
// key bytes plus framing.
func Encode(c block.CID) string {
	raw := make([]byte, 0, 1+block.HashSize+block.KeySize)
	raw = append(raw, Version1)
	raw = append(raw, c.Hash[:]...)
	if c.Key != nil {
		raw = append(raw, c.Key[:]...)
	}
	return encode(HRP, bytesToGroups(raw))
}

// Decode parses an "nhash1..." string back into a CID. It rejects an
// unknown version byte or a malformed length, in addition to whatever
// checksum/charset errors decode surfaces.
func Decode(s string) (block.CID, error) {
	hrp, groups, err := decode(s)
	if err != nil {
		return block.CID{}, err
	}
	if hrp != HRP {
		return block.CID{}, ErrInvalidFormat
	}
	raw, err := groupsToBytes(groups)
	if err != nil {
		return block.CID{}, err
	}
	if len(raw) != 1+block.HashSize && len(raw) != 1+block.HashSize+block.KeySize {
		return block.CID{}, ErrInvalidFormat
	}
	if raw[0] != Version1 {
		return block.CID{}, ErrUnknownVersion
	}

	var c block.CID
	copy(c.Hash[:], raw[1:1+block.HashSize])
	if len(raw) == 1+block.HashSize+block.KeySize {
		var key [block.KeySize]byte
		copy(key[:], raw[1+block.HashSize:])
		c.Key = &key
	}
	return c, nil
}
