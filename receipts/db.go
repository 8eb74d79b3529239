package receipts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// DB is the LevelDB-backed ledger variant for long campaigns with many
// addresses, where rewriting one JSON file per receipt gets expensive.
// Writes are synced so a receipt is durable before Record returns.
type DB struct {
	db *leveldb.DB
}

func OpenDB(path string) (*DB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open receipts database @ %s: %w", path, err)
	}
	return &DB{db: db}, nil
}

func key(address, challengeID string) []byte {
	return []byte(address + ":" + challengeID)
}

func (d *DB) HasSolved(address, challengeID string) (bool, error) {
	has, err := d.db.Has(key(address, challengeID), nil)
	if err != nil {
		return false, fmt.Errorf("querying receipt for %s/%s: %w", address, challengeID, err)
	}
	return has, nil
}

func (d *DB) Record(address, challengeID, nonce, response string) error {
	receipt := Receipt{
		Nonce:     nonce,
		Timestamp: time.Now().UTC(),
		Response:  response,
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("serializing receipt: %w", err)
	}
	if err := d.db.Put(key(address, challengeID), data, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing receipt for %s/%s: %w", address, challengeID, err)
	}
	return nil
}

func (d *DB) Get(address, challengeID string) (Receipt, error) {
	data, err := d.db.Get(key(address, challengeID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Receipt{}, ErrNotFound
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("get receipt for %s/%s: %w", address, challengeID, err)
	}
	var receipt Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return Receipt{}, fmt.Errorf("failed to deserialize receipt: %w", err)
	}
	return receipt, nil
}

func (d *DB) SolvedSet(address string) ([]string, error) {
	var ids []string
	iter := d.db.NewIterator(util.BytesPrefix([]byte(address+":")), nil)
	defer iter.Release()
	for iter.Next() {
		_, id, found := strings.Cut(string(iter.Key()), ":")
		if !found {
			continue
		}
		ids = append(ids, id)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterating receipts for %s: %w", address, err)
	}
	return sorted(ids), nil
}

func (d *DB) Unsolved(address string, challengeIDs []string) ([]string, error) {
	return unsolvedOf(d, address, challengeIDs)
}

func (d *DB) Close() error {
	return d.db.Close()
}
