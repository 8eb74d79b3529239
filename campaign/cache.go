package campaign

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/midnightmine/scavenger/logging"
	"github.com/midnightmine/scavenger/util"
)

// solvedCacheSize bounds the in-memory set. Campaigns issue a handful
// of challenges per day, so this never evicts in practice.
const solvedCacheSize = 256

// SolvedCache remembers challenge ids the process already submitted
// for, to skip redundant API polling. It is best-effort only: losing it
// costs one extra mining pass over already-solved pairs, which the
// receipt store then skips. It is never the authority for anything.
type SolvedCache struct {
	path string

	mu  sync.Mutex
	lru *lru.Cache
}

func OpenSolvedCache(path string) (*SolvedCache, error) {
	cache, err := lru.New(solvedCacheSize)
	if err != nil {
		return nil, err
	}
	c := &SolvedCache{path: path, lru: cache}

	var ids []string
	switch err := util.Load(path, &ids); {
	case errors.Is(err, fs.ErrNotExist):
		return c, nil
	case err != nil:
		// A corrupt cache is not worth failing startup over, but an
		// unreadable path likely means Add will not persist either.
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("reading solved cache %s: %w", path, err)
		}
		return c, nil
	}
	for _, id := range ids {
		c.lru.Add(id, struct{}{})
	}
	return c, nil
}

func (c *SolvedCache) Contains(challengeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(challengeID)
}

// Add marks a challenge as solved and persists the list. Persistence
// failures are logged and swallowed.
func (c *SolvedCache) Add(ctx context.Context, challengeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(challengeID, struct{}{})

	ids := make([]string, 0, c.lru.Len())
	for _, key := range c.lru.Keys() {
		ids = append(ids, key.(string))
	}
	if err := util.Persist(c.path, ids); err != nil {
		logging.FromContext(ctx).Warn("failed to persist solved cache",
			zap.String("path", c.path), zap.Error(err))
	}
}
