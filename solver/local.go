package solver

import (
	"context"
	"encoding/hex"

	"github.com/minio/sha256-simd"
)

// LocalProvider is the simplified solving strategy: it hashes preimages
// in-process with SHA-256 instead of asking an external hasher. It has
// no per-challenge context and needs no supervision, which makes it the
// provider of choice for tests and for running without the oracle
// binary. Real campaign difficulty is calibrated for the oracle's
// memory-hard digest, so solutions found this way are only as good as
// the authority's willingness to accept them.
type LocalProvider struct{}

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{}
}

func (p *LocalProvider) HashBatch(ctx context.Context, preimages []string) ([]string, error) {
	hashes := make([]string, len(preimages))
	for i, preimage := range preimages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		digest := sha256.Sum256([]byte(preimage))
		hashes[i] = hex.EncodeToString(digest[:])
	}
	return hashes, nil
}
