package helpers

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// HashContent returns the lowercase hex BLAKE3-256 digest of data. Message
// bodies are archived under this hash, which makes the object store
// content-addressable and deduplicating.
func HashContent(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
