package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// GenerateRoomCode returns a short numeric room code in [100, 999]. The
// relay accepts any string token; three digits is just what makes a code
// easy to read out loud.
func GenerateRoomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900))
	if err != nil {
		return "", fmt.Errorf("generate room code: %w", err)
	}
	return big.NewInt(100 + n.Int64()).String(), nil
}
