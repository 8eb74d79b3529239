package receipts

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// Memory is an in-memory Store double for tests and dry runs.
type Memory struct {
	mu       sync.Mutex
	receipts map[string]map[string]Receipt
}

func NewMemory() *Memory {
	return &Memory{receipts: make(map[string]map[string]Receipt)}
}

func (m *Memory) HasSolved(address, challengeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.receipts[address][challengeID]
	return ok, nil
}

func (m *Memory) Record(address, challengeID, nonce, response string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receipts[address] == nil {
		m.receipts[address] = make(map[string]Receipt)
	}
	m.receipts[address][challengeID] = Receipt{
		Nonce:     nonce,
		Timestamp: time.Now().UTC(),
		Response:  response,
	}
	return nil
}

func (m *Memory) Get(address, challengeID string) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[address][challengeID]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) SolvedSet(address string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sorted(maps.Keys(m.receipts[address])), nil
}

func (m *Memory) Unsolved(address string, challengeIDs []string) ([]string, error) {
	return unsolvedOf(m, address, challengeIDs)
}

func (m *Memory) Close() error {
	return nil
}
