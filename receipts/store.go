// Package receipts is the durable idempotency ledger of
// (address, challenge) -> solution. Once loaded it is the sole
// authority for skipping already-solved pairs.
package receipts

import (
	"errors"
	"sort"
	"time"
)

var ErrNotFound = errors.New("no receipt for this pair")

// Receipt records that an address already solved a challenge and what
// the authority answered.
type Receipt struct {
	Nonce     string    `json:"nonce"`
	Timestamp time.Time `json:"timestamp"`
	Response  string    `json:"response"`
}

// Store is the ledger interface. Record persists synchronously before
// returning; a lost receipt only causes wasted re-mining (re-submission
// is idempotent), but durability is still preferred over batching.
// Recording twice for the same key overwrites: last write wins.
// There is no deletion path on the mining path.
type Store interface {
	HasSolved(address, challengeID string) (bool, error)
	Record(address, challengeID, nonce, response string) error
	Get(address, challengeID string) (Receipt, error)
	// SolvedSet returns the challenge ids the address has receipts for.
	SolvedSet(address string) ([]string, error)
	// Unsolved filters challengeIDs down to those without a receipt.
	Unsolved(address string, challengeIDs []string) ([]string, error)
	Close() error
}

// unsolvedOf is shared by the implementations; ordering of the input is
// preserved.
func unsolvedOf(s Store, address string, challengeIDs []string) ([]string, error) {
	var unsolved []string
	for _, id := range challengeIDs {
		solved, err := s.HasSolved(address, id)
		if err != nil {
			return nil, err
		}
		if !solved {
			unsolved = append(unsolved, id)
		}
	}
	return unsolved, nil
}

func sorted(ids []string) []string {
	sort.Strings(ids)
	return ids
}
