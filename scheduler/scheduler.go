// Package scheduler fans mining work out across parallel lanes of
// addresses. Each lane owns its own hasher supervisor and processes its
// addresses strictly sequentially; lanes only share the receipt store.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/midnightmine/scavenger/authority"
	"github.com/midnightmine/scavenger/challenge"
	"github.com/midnightmine/scavenger/logging"
	"github.com/midnightmine/scavenger/receipts"
	"github.com/midnightmine/scavenger/solver"
)

// Oracle is the per-lane hash capability with a supervised lifecycle.
// The oracle.Supervisor implements it; tests substitute local fakes.
type Oracle interface {
	solver.HashProvider
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// OracleFactory builds the oracle for one lane. Each lane gets a
// distinct instance on a distinct local endpoint so lanes never thrash
// each other's challenge context.
type OracleFactory func(lane int) Oracle

// Submitter delivers solutions to the authority.
type Submitter interface {
	Submit(ctx context.Context, address, challengeID, nonce string) (*authority.Outcome, error)
}

type Config struct {
	Lanes   uint          `long:"lanes"        description:"Number of parallel mining lanes"`
	Stagger time.Duration `long:"lane-stagger" description:"Start delay between consecutive lanes"`
}

func DefaultConfig() Config {
	return Config{
		Lanes:   2,
		Stagger: 2 * time.Second,
	}
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint("lanes", c.Lanes)
	enc.AddDuration("lane-stagger", c.Stagger)
	return nil
}

// Report aggregates the outcome of one mining pass. Per-address
// failures are counted, never propagated.
type Report struct {
	Attempted int
	Skipped   int
	Mined     int
	Submitted int
	Failed    int

	Solutions []solver.Solution
}

// implement zap.ObjectMarshaler interface.
func (r Report) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("attempted", r.Attempted)
	enc.AddInt("skipped", r.Skipped)
	enc.AddInt("mined", r.Mined)
	enc.AddInt("submitted", r.Submitted)
	enc.AddInt("failed", r.Failed)
	return nil
}

type Scheduler struct {
	cfg       Config
	solverCfg solver.Config
	store     receipts.Store
	submitter Submitter
	oracles   OracleFactory
}

func New(cfg Config, solverCfg solver.Config, store receipts.Store, submitter Submitter, oracles OracleFactory) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		solverCfg: solverCfg,
		store:     store,
		submitter: submitter,
		oracles:   oracles,
	}
}

// Mine partitions addresses into laneCount contiguous lanes and mines
// them concurrently. Lane starts are staggered to avoid a thundering
// herd of hasher processes initializing at once. The call returns when
// every lane has drained; only context cancellation aborts it early.
func (s *Scheduler) Mine(ctx context.Context, c *challenge.Challenge, addresses []string, laneCount uint) (*Report, error) {
	if laneCount == 0 {
		laneCount = 1
	}
	lanes := partition(addresses, int(laneCount))

	logging.FromContext(ctx).Info("starting mining pass",
		zap.Object("challenge", *c),
		zap.Int("addresses", len(addresses)),
		zap.Int("lanes", len(lanes)),
	)

	results := make([]Report, len(lanes))
	eg, ctx := errgroup.WithContext(ctx)
	for i, laneAddresses := range lanes {
		i, laneAddresses := i, laneAddresses
		eg.Go(func() error {
			select {
			case <-time.After(time.Duration(i) * s.cfg.Stagger):
			case <-ctx.Done():
				return ctx.Err()
			}
			results[i] = s.runLane(ctx, i, c, laneAddresses)
			return ctx.Err()
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	total := &Report{}
	for _, r := range results {
		total.Attempted += r.Attempted
		total.Skipped += r.Skipped
		total.Mined += r.Mined
		total.Submitted += r.Submitted
		total.Failed += r.Failed
		total.Solutions = append(total.Solutions, r.Solutions...)
	}
	logging.FromContext(ctx).Info("mining pass finished", zap.Object("report", *total))
	return total, nil
}

// runLane mines one lane's addresses strictly sequentially. A failure
// on one address is logged and the lane moves on; nothing escapes the
// lane.
func (s *Scheduler) runLane(ctx context.Context, lane int, c *challenge.Challenge, addresses []string) Report {
	logger := logging.FromContext(ctx).With(
		zap.Int("lane", lane),
		zap.String("lane_run_id", uuid.New().String()),
		zap.String("challenge_id", c.ChallengeID),
	)
	ctx = logging.NewContext(ctx, logger)

	var report Report

	oracle := s.oracles(lane)
	if err := oracle.Start(ctx); err != nil {
		logger.Error("lane could not start its hasher, giving up on the lane",
			zap.Int("addresses", len(addresses)),
			zap.Error(err),
		)
		report.Failed = len(addresses)
		return report
	}
	defer func() {
		if err := oracle.Stop(ctx); err != nil {
			logger.Warn("stopping lane hasher", zap.Error(err))
		}
	}()

	laneSolver := solver.New(s.solverCfg, oracle)

	for _, address := range addresses {
		if err := ctx.Err(); err != nil {
			logger.Info("lane cancelled", zap.Int("remaining", len(addresses)-report.Attempted-report.Skipped))
			return report
		}
		addressLogger := logger.With(zap.String("address", address))

		solved, err := s.store.HasSolved(address, c.ChallengeID)
		if err != nil {
			addressLogger.Error("receipt lookup failed", zap.Error(err))
			report.Failed++
			continue
		}
		if solved {
			addressLogger.Debug("already solved, skipping")
			report.Skipped++
			continue
		}

		report.Attempted++
		solution, err := laneSolver.Solve(logging.NewContext(ctx, addressLogger), c, address)
		if err != nil {
			addressLogger.Error("solve failed", zap.Error(err))
			report.Failed++
			continue
		}
		report.Mined++
		report.Solutions = append(report.Solutions, *solution)

		outcome, err := s.submitter.Submit(logging.NewContext(ctx, addressLogger), address, c.ChallengeID, solution.Nonce)
		if err != nil {
			addressLogger.Error("submission failed", zap.Error(err))
			report.Failed++
			continue
		}
		report.Submitted++

		if err := s.store.Record(address, c.ChallengeID, solution.Nonce, outcome.Response); err != nil {
			// The solution was accepted; a lost receipt only means
			// redundant re-mining after a restart.
			addressLogger.Warn("failed to persist receipt", zap.Error(err))
		}
		addressLogger.Info("address done",
			zap.Uint64("attempts", solution.Attempts),
			zap.Duration("elapsed", solution.Elapsed),
			zap.Bool("duplicate", outcome.Duplicate),
		)
	}
	return report
}

// partition splits addresses into at most laneCount contiguous,
// near-equal chunks. Fewer lanes come back when there are fewer
// addresses than lanes.
func partition(addresses []string, laneCount int) [][]string {
	if len(addresses) == 0 {
		return nil
	}
	if laneCount > len(addresses) {
		laneCount = len(addresses)
	}
	chunks := make([][]string, 0, laneCount)
	base := len(addresses) / laneCount
	extra := len(addresses) % laneCount
	offset := 0
	for i := 0; i < laneCount; i++ {
		size := base
		if i < extra {
			size++
		}
		chunks = append(chunks, addresses[offset:offset+size])
		offset += size
	}
	return chunks
}
