package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ComputeMerkleRoot computes the Merkle root over a sequence of per-chunk hex-encoded
// SHA-256 hashes. Odd levels of two or more hashes duplicate the last hash before pairing.
// A single chunk is not paired: its root is the chunk hash itself.
func ComputeMerkleRoot(chunkHashes []string) (string, error) {
	if len(chunkHashes) == 0 {
		return "", nil
	}

	level := make([][]byte, len(chunkHashes))
	for i, h := range chunkHashes {
		decoded, err := hex.DecodeString(h)
		if err != nil {
			return "", errors.New("invalid chunk hash encoding: " + err.Error())
		}
		level[i] = decoded
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var combined []byte
			if i+1 < len(level) {
				combined = append(append([]byte{}, level[i]...), level[i+1]...)
			} else {
				combined = append(append([]byte{}, level[i]...), level[i]...)
			}
			sum := sha256.Sum256(combined)
			next = append(next, sum[:])
		}
		level = next
	}

	return hex.EncodeToString(level[0]), nil
}
