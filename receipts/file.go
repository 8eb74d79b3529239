package receipts

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/midnightmine/scavenger/util"
)

// FileStore keeps the ledger in a single JSON file mapping address ->
// challenge id -> receipt. The file is loaded wholly into memory at
// open and rewritten wholly (atomic rename) on every Record. A single
// mutex serializes writers so concurrent lanes cannot lose updates.
type FileStore struct {
	path string

	mu       sync.Mutex
	receipts map[string]map[string]Receipt
}

func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:     path,
		receipts: make(map[string]map[string]Receipt),
	}

	switch err := util.Load(path, &s.receipts); {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("reading receipts file %s: %w", path, err)
	}
	return s, nil
}

func (s *FileStore) HasSolved(address, challengeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.receipts[address][challengeID]
	return ok, nil
}

func (s *FileStore) Record(address, challengeID, nonce, response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receipts[address] == nil {
		s.receipts[address] = make(map[string]Receipt)
	}
	prev, existed := s.receipts[address][challengeID]
	s.receipts[address][challengeID] = Receipt{
		Nonce:     nonce,
		Timestamp: time.Now().UTC(),
		Response:  response,
	}
	if err := s.persistLocked(); err != nil {
		// Roll the in-memory state back so it keeps matching the disk.
		if existed {
			s.receipts[address][challengeID] = prev
		} else {
			delete(s.receipts[address], challengeID)
		}
		return fmt.Errorf("persisting receipt for %s/%s: %w", address, challengeID, err)
	}
	return nil
}

func (s *FileStore) persistLocked() error {
	return util.Persist(s.path, s.receipts)
}

func (s *FileStore) Get(address, challengeID string) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[address][challengeID]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	return r, nil
}

func (s *FileStore) SolvedSet(address string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sorted(maps.Keys(s.receipts[address])), nil
}

func (s *FileStore) Unsolved(address string, challengeIDs []string) ([]string, error) {
	return unsolvedOf(s, address, challengeIDs)
}

func (s *FileStore) Close() error {
	return nil
}
