package replication

import "crypto/sha256"

// merkleRoot computes the classic pairwise SHA-256 fold over leaves, with
// the last hash duplicated at each odd level (§4.2). An empty input
// yields the zero hash.
func merkleRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return [32]byte{}
	}
	level := make([][32]byte, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][32]byte, len(level)/2)
		for i := 0; i < len(next); i++ {
			h := sha256.New()
			h.Write(level[2*i][:])
			h.Write(level[2*i+1][:])
			copy(next[i][:], h.Sum(nil))
		}
		level = next
	}
	return level[0]
}
