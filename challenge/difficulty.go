package challenge

import (
	"fmt"
	"strconv"
)

// maskWidth is the number of hex characters of a difficulty mask and of
// the hash prefix it constrains (32 bits).
const maskWidth = 8

// ParseMask parses the fixed-width hex difficulty mask.
func ParseMask(difficulty string) (uint32, error) {
	if len(difficulty) < maskWidth {
		return 0, fmt.Errorf("%w: %q is shorter than %d chars", ErrInvalidDifficulty, difficulty, maskWidth)
	}
	d, err := strconv.ParseUint(difficulty[:maskWidth], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidDifficulty, difficulty, err)
	}
	return uint32(d), nil
}

// CheckHash reports whether hash satisfies the difficulty mask: every bit
// that is zero in the mask must be zero in the first 32 bits of the hash.
// Bits set in the mask are unconstrained, so an all-ones mask accepts any
// hash and an all-zeros mask accepts only an all-zero prefix.
func CheckHash(hash string, mask uint32) (bool, error) {
	if len(hash) < maskWidth {
		return false, fmt.Errorf("hash %q shorter than %d chars", hash, maskWidth)
	}
	h, err := strconv.ParseUint(hash[:maskWidth], 16, 32)
	if err != nil {
		return false, fmt.Errorf("non-hex hash prefix %q: %v", hash[:maskWidth], err)
	}
	return uint32(h)&^mask == 0, nil
}
