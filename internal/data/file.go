package data

import (
	"encoding/binary"
	"fmt"
	"os"
)

// LoadTokens reads a tokenized cache file: little-endian uint16 token
// IDs, the layout the dataset preparation step emits.
func LoadTokens(path string) ([]int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token cache: %w", err)
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("token cache %s has odd length %d", path, len(raw))
	}

	tokens := make([]int, len(raw)/2)
	for i := range tokens {
		tokens[i] = int(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return tokens, nil
}
