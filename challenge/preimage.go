package challenge

import (
	"fmt"
	"math/rand"
	"time"
)

// challengeIDMarker is the fixed 2-character marker prepended to the
// challenge id inside a preimage. Field order is part of the protocol
// contract; any reordering changes every hash.
const challengeIDMarker = "01"

// nonceWidth is the fixed width of the rendered nonce in hex characters.
const nonceWidth = 16

// Preimage builds the string hashed in one solve attempt. It is a pure
// concatenation, in fixed order and with no separators, of the nonce, the
// address, the marked challenge id, the difficulty mask, both salts and
// the submission deadline.
func Preimage(nonce, address string, c *Challenge) string {
	return nonce +
		address +
		challengeIDMarker + c.ChallengeID +
		c.Difficulty +
		c.NoPreMine +
		c.NoFutureMine +
		c.LatestSubmission
}

// NonceCounter produces monotonically increasing nonces rendered as
// fixed 16-character lowercase hex. The counter is seeded from the
// current time combined with a random offset to reduce collisions
// between independent miner instances searching the same space.
//
// The counter is not guarded against exceeding the 16-character range;
// a wrap past 2^64 would reuse rendered values. This matches the
// reference behavior and is not reachable in practice.
type NonceCounter struct {
	next uint64
}

func NewNonceCounter() *NonceCounter {
	seed := uint64(time.Now().UnixNano()) ^ rand.Uint64()
	return &NonceCounter{next: seed}
}

// Next returns the next nonce. Values never repeat within one counter's
// run.
func (n *NonceCounter) Next() string {
	nonce := fmt.Sprintf("%0*x", nonceWidth, n.next)
	n.next++
	return nonce
}
