package block

import "lukechampine.com/blake3"

// Sum computes the block hash over a block's final byte representation —
// the ciphertext when the block is encrypted. Callers never hash plaintext
// directly except as a key-derivation input, which uses Sum as well (the KDF
// takes the plaintext's hash, not the plaintext itself).
func Sum(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}
