package ledger

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Commit ids are IDLength symbols drawn uniformly from IDAlphabet.
const (
	IDAlphabet = "0123456789ABCDEFG"
	IDLength   = 5
)

var alphabetSize = big.NewInt(int64(len(IDAlphabet)))

// NewID returns a random Base-17 commit id.
func NewID() (string, error) {
	buf := make([]byte, IDLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("ledger: generate id: %w", err)
		}
		buf[i] = IDAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// ValidID reports whether id may name a ledger entry. Ids written by older
// tooling are not always Base-17, so any short alphanumeric token is
// accepted; path separators and dots never are.
func ValidID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
