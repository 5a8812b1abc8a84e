package ledger

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashContent returns the hex SHA-256 of b. Used to notice that a data file
// changed underneath us between two accesses.
func HashContent(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func formatBool(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}
