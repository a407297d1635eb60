package nhash

import (
	"bytes"
	"encoding/hex"

	"github.com/mmalmi/hashtree-go/pkg/tree"
)

// NPathHRP is the human-readable prefix for directory-path identifiers.
const NPathHRP = "npath"

// NPathVersion1 is the only npath version this package currently emits or
// accepts.
const NPathVersion1 = 1

const pubKeySize = 32

// separator divides the tree name from its path within the encoded
// payload. The pubkey before the tree name is fixed-width and read by
// offset; the decoder splits at the first separator after it, so a tree
// name containing a NUL byte does not round-trip.
const separator = 0x00

// EncodeNPath renders (signerPubKeyHex, treeName, path) as an
// "npath1..." deep-link identifier. signerPubKeyHex is the signer's
// 32-byte hex-encoded public key, matching the pointer event's pubkey
// field.
func EncodeNPath(signerPubKeyHex, treeName string, path tree.Path) (string, error) {
	pub, err := hex.DecodeString(signerPubKeyHex)
	if err != nil || len(pub) != pubKeySize {
		return "", ErrInvalidFormat
	}

	raw := make([]byte, 0, 1+pubKeySize+len(treeName)+1+len(path.String()))
	raw = append(raw, NPathVersion1)
	raw = append(raw, pub...)
	raw = append(raw, []byte(treeName)...)
	raw = append(raw, separator)
	raw = append(raw, []byte(path.String())...)

	return encode(NPathHRP, bytesToGroups(raw)), nil
}

// DecodeNPath parses an "npath1..." string back into its signer public
// key (hex-encoded), tree name, and path.
func DecodeNPath(s string) (signerPubKeyHex, treeName string, path tree.Path, err error) {
	hrp, groups, derr := decode(s)
	if derr != nil {
		return "", "", nil, derr
	}
	if hrp != NPathHRP {
		return "", "", nil, ErrInvalidFormat
	}
	raw, derr := groupsToBytes(groups)
	if derr != nil {
		return "", "", nil, derr
	}
	if len(raw) < 1+pubKeySize+1 {
		return "", "", nil, ErrInvalidFormat
	}
	if raw[0] != NPathVersion1 {
		return "", "", nil, ErrUnknownVersion
	}

	pub := raw[1 : 1+pubKeySize]
	rest := raw[1+pubKeySize:]

	sep := bytes.IndexByte(rest, separator)
	if sep < 0 {
		return "", "", nil, ErrInvalidFormat
	}
	treeName = string(rest[:sep])
	pathStr := string(rest[sep+1:])

	return hex.EncodeToString(pub), treeName, tree.Parse(pathStr), nil
}
