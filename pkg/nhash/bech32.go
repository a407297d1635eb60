// Package nhash implements the two human-shareable text identifier forms:
// nhash (a content identifier: hash plus optional decryption key) and
// npath (a signer, tree name, and path, for deep links that survive root
// updates). Both are framed with a bech32-style checksum so a mistyped or
// truncated identifier is detected rather than silently resolved wrong.
//
// No example in the reference corpus ships a bech32 codec (the one
// available third-party implementation, go-nostr's internal nip19 helper,
// isn't a vendored, inspectable dependency), so this file is a direct,
// from-specification implementation of the well-known public algorithm
// rather than an adaptation of pack source.
package nhash

import (
	"errors"
	"strings"
)

const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var charsetIndex = func() map[byte]int {
	m := make(map[byte]int, len(charset))
	for i := 0; i < len(charset); i++ {
		m[charset[i]] = i
	}
	return m
}()

// Errors returned by this package.
var (
	ErrInvalidChecksum = errors.New("nhash: invalid checksum")
	ErrInvalidChar     = errors.New("nhash: invalid bech32 character")
	ErrInvalidFormat   = errors.New("nhash: malformed identifier")
	ErrUnknownVersion  = errors.New("nhash: unknown version byte")
)

func polymod(values []int) int {
	generator := [5]int{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := 1
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ v
		for i := 0; i < 5; i++ {
			if (top>>i)&1 == 1 {
				chk ^= generator[i]
			}
		}
	}
	return chk
}

func hrpExpand(hrp string) []int {
	out := make([]int, 0, len(hrp)*2+1)
	for i := 0; i < len(hrp); i++ {
		out = append(out, int(hrp[i])>>5)
	}
	out = append(out, 0)
	for i := 0; i < len(hrp); i++ {
		out = append(out, int(hrp[i])&31)
	}
	return out
}

func createChecksum(hrp string, data []int) []int {
	values := append(hrpExpand(hrp), data...)
	values = append(values, 0, 0, 0, 0, 0, 0)
	mod := polymod(values) ^ 1
	checksum := make([]int, 6)
	for i := 0; i < 6; i++ {
		checksum[i] = (mod >> uint(5*(5-i))) & 31
	}
	return checksum
}

func verifyChecksum(hrp string, data []int) bool {
	return polymod(append(hrpExpand(hrp), data...)) == 1
}

// encode renders hrp and the 5-bit groups in data as a full bech32 string.
func encode(hrp string, data []int) string {
	combined := append(data, createChecksum(hrp, data)...)
	var sb strings.Builder
	sb.WriteString(hrp)
	sb.WriteByte('1')
	for _, d := range combined {
		sb.WriteByte(charset[d])
	}
	return sb.String()
}

// decode splits a bech32 string into its hrp and verified 5-bit data
// groups (checksum stripped).
func decode(s string) (string, []int, error) {
	lower := strings.ToLower(s)
	if lower != s && strings.ToUpper(s) != s {
		return "", nil, ErrInvalidFormat
	}
	s = lower

	pos := strings.LastIndexByte(s, '1')
	if pos < 1 || pos+7 > len(s) {
		return "", nil, ErrInvalidFormat
	}
	hrp := s[:pos]
	dataPart := s[pos+1:]

	data := make([]int, len(dataPart))
	for i := 0; i < len(dataPart); i++ {
		idx, ok := charsetIndex[dataPart[i]]
		if !ok {
			return "", nil, ErrInvalidChar
		}
		data[i] = idx
	}

	if !verifyChecksum(hrp, data) {
		return "", nil, ErrInvalidChecksum
	}
	return hrp, data[:len(data)-6], nil
}

// convertBits repacks a slice of fromBits-wide integer groups into toBits-
// wide groups, used to move between raw bytes (8 bits) and bech32's 5-bit
// alphabet.
func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]int, error) {
	acc := 0
	bits := uint(0)
	maxVal := (1 << toBits) - 1
	out := make([]int, 0, len(data)*int(fromBits)/int(toBits)+1)

	for _, b := range data {
		acc = (acc << fromBits) | int(b)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, (acc>>bits)&maxVal)
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, (acc<<(toBits-bits))&maxVal)
		}
	} else if bits >= fromBits || ((acc<<(toBits-bits))&maxVal) != 0 {
		return nil, ErrInvalidFormat
	}
	return out, nil
}

func groupsToBytes(groups []int) ([]byte, error) {
	ints := make([]byte, len(groups))
	for i, g := range groups {
		if g < 0 || g > 31 {
			return nil, ErrInvalidFormat
		}
		ints[i] = byte(g)
	}
	converted, err := convertBits(ints, 5, 8, false)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(converted))
	for i, v := range converted {
		out[i] = byte(v)
	}
	return out, nil
}

func bytesToGroups(data []byte) []int {
	groups, _ := convertBits(data, 8, 5, true)
	return groups
}
