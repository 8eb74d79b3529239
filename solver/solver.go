// Package solver drives the batched nonce search for one
// (address, challenge) pair against a hash provider.
package solver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/midnightmine/scavenger/challenge"
	"github.com/midnightmine/scavenger/logging"
)

// HashProvider is the single capability a solver needs: hash a batch of
// preimages, order- and length-preserving. The oracle supervisor and the
// local strategy both implement it.
type HashProvider interface {
	HashBatch(ctx context.Context, preimages []string) ([]string, error)
}

// ContextInitializer is implemented by providers that keep expensive
// per-challenge state (the oracle supervisor). The solver initializes it
// before searching; the call is idempotent when the context is current.
type ContextInitializer interface {
	InitContext(ctx context.Context, c *challenge.Challenge) error
}

// Solution is the proof that a hash satisfying the difficulty mask was
// found for the pair.
type Solution struct {
	Address     string
	ChallengeID string
	Nonce       string
	Hash        string
	Attempts    uint64
	Elapsed     time.Duration
}

type Config struct {
	BatchSize        uint          `long:"batch-size"        description:"Nonces hashed per oracle round-trip"`
	ProgressInterval time.Duration `long:"progress-interval" description:"Cadence of search progress logs"`
}

func DefaultConfig() Config {
	return Config{
		BatchSize:        500,
		ProgressInterval: 30 * time.Second,
	}
}

type Solver struct {
	cfg      Config
	provider HashProvider
	counter  *challenge.NonceCounter
}

func New(cfg Config, provider HashProvider) *Solver {
	return &Solver{
		cfg:      cfg,
		provider: provider,
		counter:  challenge.NewNonceCounter(),
	}
}

// Solve searches the nonce space until a hash satisfies the challenge's
// difficulty mask. The search is unbounded except for ctx, which is
// checked at every batch boundary; a cancelled solve returns ctx's error
// and the in-flight batch is discarded.
func (s *Solver) Solve(ctx context.Context, c *challenge.Challenge, address string) (*Solution, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to mine: %w", err)
	}
	if err := challenge.ValidateAddress(address); err != nil {
		return nil, fmt.Errorf("refusing to mine: %w", err)
	}
	mask, err := challenge.ParseMask(c.Difficulty)
	if err != nil {
		return nil, err
	}

	if init, ok := s.provider.(ContextInitializer); ok {
		if err := init.InitContext(ctx, c); err != nil {
			return nil, err
		}
	}

	logger := logging.FromContext(ctx).With(
		zap.String("challenge_id", c.ChallengeID),
		zap.String("difficulty", c.Difficulty),
	)
	logger.Info("starting nonce search", zap.Uint("batch_size", s.cfg.BatchSize))

	start := time.Now()
	lastProgress := start
	var attempts uint64

	batchSize := s.cfg.BatchSize
	if batchSize == 0 {
		batchSize = DefaultConfig().BatchSize
	}
	nonces := make([]string, batchSize)
	preimages := make([]string, batchSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("solve abandoned after %d attempts: %w", attempts, err)
		}

		for i := range nonces {
			nonces[i] = s.counter.Next()
			preimages[i] = challenge.Preimage(nonces[i], address, c)
		}

		// One round-trip per iteration; the per-call cost is amortized
		// across the whole batch. Single-nonce calls are never made.
		hashes, err := s.provider.HashBatch(ctx, preimages)
		if err != nil {
			return nil, fmt.Errorf("hash batch after %d attempts: %w", attempts, err)
		}
		batchesTotal.Inc()
		hashesTotal.Add(float64(len(hashes)))

		for i, hash := range hashes {
			attempts++
			ok, err := challenge.CheckHash(hash, mask)
			if err != nil {
				return nil, fmt.Errorf("scanning batch result %d: %w", i, err)
			}
			if ok {
				elapsed := time.Since(start)
				solutionsFound.WithLabelValues(c.ChallengeID).Inc()
				logger.Info("solution found",
					zap.String("nonce", nonces[i]),
					zap.String("hash", hash),
					zap.Uint64("attempts", attempts),
					zap.Duration("elapsed", elapsed),
				)
				return &Solution{
					Address:     address,
					ChallengeID: c.ChallengeID,
					Nonce:       nonces[i],
					Hash:        hash,
					Attempts:    attempts,
					Elapsed:     elapsed,
				}, nil
			}
		}

		if since := time.Since(lastProgress); since >= s.cfg.ProgressInterval {
			elapsed := time.Since(start)
			logger.Info("still searching",
				zap.Uint64("attempts", attempts),
				zap.Duration("elapsed", elapsed),
				zap.Float64("hashes_per_sec", float64(attempts)/elapsed.Seconds()),
			)
			lastProgress = time.Now()
		}
	}
}
