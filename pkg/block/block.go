// Package block implements the hashtree block codec (C1): deterministic
// serialization of directory, blob and chunked-file nodes, and the content
// addressing derived from their encrypted byte representation.
package block

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Errors returned by the codec. Decoders wrap one of these via %w so callers
// can test with errors.Is.
var (
	ErrMalformed      = errors.New("block: malformed encoding")
	ErrDuplicateName  = errors.New("block: duplicate directory entry name")
	ErrEmptyChunkList = errors.New("block: chunked node has no chunks")
	ErrInvalidName    = errors.New("block: entry name contains '/' or NUL")
)

// HashSize is the width, in bytes, of a block hash (BLAKE3-256).
const HashSize = 32

// KeySize is the width, in bytes, of a block's symmetric decryption key.
const KeySize = 32

// Hash identifies a block by the hash of its (possibly encrypted) byte
// representation. It is the only identifier the store keys on.
type Hash [HashSize]byte

// IsZero reports whether h is the all-zero hash (never a valid content
// hash in practice but never asserted against explicitly).
func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// Kind discriminates the three block types by their leading tag byte.
type Kind uint8

const (
	KindDir     Kind = 0x00
	KindBlob    Kind = 0x01
	KindChunked Kind = 0x02
)

// LinkType enumerates what a directory entry's CID refers to.
type LinkType uint8

const (
	LinkBlob LinkType = iota
	LinkDir
)

// CID is a content identifier: a hash plus an optional decryption key. A nil
// Key addresses a plaintext block.
type CID struct {
	Hash Hash
	Key  *[KeySize]byte
}

func (c CID) HasKey() bool { return c.Key != nil }

func (c CID) Equal(o CID) bool {
	if c.Hash != o.Hash {
		return false
	}
	if c.HasKey() != o.HasKey() {
		return false
	}
	if c.HasKey() && *c.Key != *o.Key {
		return false
	}
	return true
}

// Entry is one record of a directory node.
type Entry struct {
	Name string
	CID  CID
	Size uint64
	Type LinkType
}

// ValidName reports whether name is usable as a directory entry name: no '/'
// and no NUL byte.
func ValidName(name string) bool {
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == 0 {
			return false
		}
	}
	return true
}

// Dir is a decoded directory node: entries sorted and unique by name.
type Dir struct {
	Entries []Entry
}

// Chunk is one element of a chunked file node.
type Chunk struct {
	CID  CID
	Size uint64
}

// Chunked is a decoded chunked-file node.
type Chunked struct {
	Chunks []Chunk
}

// SortEntries sorts entries bytewise by name in place.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}

// NewDir validates and sorts entries and returns a Dir ready to encode.
// Names are validated and duplicates rejected regardless of input order,
// so the resulting node's encoding is invariant under insertion order (P7).
func NewDir(entries []Entry) (Dir, error) {
	out := make([]Entry, len(entries))
	copy(out, entries)
	SortEntries(out)
	for i, e := range out {
		if !ValidName(e.Name) {
			return Dir{}, fmt.Errorf("%w: %q", ErrInvalidName, e.Name)
		}
		if i > 0 && out[i-1].Name == e.Name {
			return Dir{}, fmt.Errorf("%w: %q", ErrDuplicateName, e.Name)
		}
	}
	return Dir{Entries: out}, nil
}

// Encode serializes a plaintext block body (no type tag; the package-level
// Encode adds that). Encoding is deterministic for equal logical
// content: NewDir already sorted and deduplicated, and the binary layout
// below has no non-deterministic padding.
func (d Dir) Encode() []byte {
	var buf bytes.Buffer
	for _, e := range d.Entries {
		writeEntry(&buf, e)
	}
	return buf.Bytes()
}

func writeEntry(buf *bytes.Buffer, e Entry) {
	name := []byte(e.Name)
	var nameLen [2]byte
	binary.BigEndian.PutUint16(nameLen[:], uint16(len(name)))
	buf.Write(nameLen[:])
	buf.Write(name)
	buf.Write(e.CID.Hash[:])
	if e.CID.HasKey() {
		buf.WriteByte(1)
		buf.Write(e.CID.Key[:])
	} else {
		buf.WriteByte(0)
	}
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], e.Size)
	buf.Write(size[:])
	buf.WriteByte(byte(e.Type))
}

// DecodeDir parses a directory node body, validating sort order, uniqueness
// and framing.
func DecodeDir(body []byte) (Dir, error) {
	var entries []Entry
	r := body
	for len(r) > 0 {
		if len(r) < 2 {
			return Dir{}, fmt.Errorf("%w: truncated name length", ErrMalformed)
		}
		nameLen := int(binary.BigEndian.Uint16(r[:2]))
		r = r[2:]
		if len(r) < nameLen {
			return Dir{}, fmt.Errorf("%w: truncated name", ErrMalformed)
		}
		name := string(r[:nameLen])
		r = r[nameLen:]

		if len(r) < HashSize+1 {
			return Dir{}, fmt.Errorf("%w: truncated hash", ErrMalformed)
		}
		var h Hash
		copy(h[:], r[:HashSize])
		r = r[HashSize:]

		keyPresent := r[0]
		r = r[1:]
		var key *[KeySize]byte
		switch keyPresent {
		case 0:
		case 1:
			if len(r) < KeySize {
				return Dir{}, fmt.Errorf("%w: truncated key", ErrMalformed)
			}
			var k [KeySize]byte
			copy(k[:], r[:KeySize])
			key = &k
			r = r[KeySize:]
		default:
			return Dir{}, fmt.Errorf("%w: invalid keyPresent byte", ErrMalformed)
		}

		if len(r) < 9 {
			return Dir{}, fmt.Errorf("%w: truncated size/type", ErrMalformed)
		}
		size := binary.BigEndian.Uint64(r[:8])
		typ := LinkType(r[8])
		r = r[9:]
		if typ != LinkBlob && typ != LinkDir {
			return Dir{}, fmt.Errorf("%w: invalid link type %d", ErrMalformed, typ)
		}

		entries = append(entries, Entry{
			Name: name,
			CID:  CID{Hash: h, Key: key},
			Size: size,
			Type: typ,
		})
	}

	for i := 1; i < len(entries); i++ {
		if entries[i-1].Name >= entries[i].Name {
			if entries[i-1].Name == entries[i].Name {
				return Dir{}, fmt.Errorf("%w: %q", ErrDuplicateName, entries[i].Name)
			}
			return Dir{}, fmt.Errorf("%w: entries out of order at %q", ErrMalformed, entries[i].Name)
		}
	}

	return Dir{Entries: entries}, nil
}

// Encode serializes a chunked-file node body.
func (c Chunked) Encode() []byte {
	var buf bytes.Buffer
	for _, ch := range c.Chunks {
		buf.Write(ch.CID.Hash[:])
		if ch.CID.HasKey() {
			buf.WriteByte(1)
			buf.Write(ch.CID.Key[:])
		} else {
			buf.WriteByte(0)
		}
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], ch.Size)
		buf.Write(size[:])
	}
	return buf.Bytes()
}

// DecodeChunked parses a chunked-file node body, rejecting an empty list.
func DecodeChunked(body []byte) (Chunked, error) {
	var chunks []Chunk
	r := body
	for len(r) > 0 {
		if len(r) < HashSize+1 {
			return Chunked{}, fmt.Errorf("%w: truncated chunk hash", ErrMalformed)
		}
		var h Hash
		copy(h[:], r[:HashSize])
		r = r[HashSize:]

		keyPresent := r[0]
		r = r[1:]
		var key *[KeySize]byte
		switch keyPresent {
		case 0:
		case 1:
			if len(r) < KeySize {
				return Chunked{}, fmt.Errorf("%w: truncated chunk key", ErrMalformed)
			}
			var k [KeySize]byte
			copy(k[:], r[:KeySize])
			key = &k
			r = r[KeySize:]
		default:
			return Chunked{}, fmt.Errorf("%w: invalid keyPresent byte", ErrMalformed)
		}

		if len(r) < 8 {
			return Chunked{}, fmt.Errorf("%w: truncated chunk size", ErrMalformed)
		}
		size := binary.BigEndian.Uint64(r[:8])
		r = r[8:]

		chunks = append(chunks, Chunk{CID: CID{Hash: h, Key: key}, Size: size})
	}
	if len(chunks) == 0 {
		return Chunked{}, ErrEmptyChunkList
	}
	return Chunked{Chunks: chunks}, nil
}

// Encode produces the full tagged byte representation of a block body, ready
// for encryption and hashing. kind selects the leading type byte.
func Encode(kind Kind, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = byte(kind)
	copy(out[1:], body)
	return out
}

// Decode splits a tagged byte representation into its kind and body.
func Decode(raw []byte) (Kind, []byte, error) {
	if len(raw) == 0 {
		return 0, nil, fmt.Errorf("%w: empty block", ErrMalformed)
	}
	kind := Kind(raw[0])
	switch kind {
	case KindDir, KindBlob, KindChunked:
	default:
		return 0, nil, fmt.Errorf("%w: unknown type tag %d", ErrMalformed, raw[0])
	}
	return kind, raw[1:], nil
}
