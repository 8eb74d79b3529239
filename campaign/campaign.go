// Package campaign runs the outer mining loop: watch the authority for
// new challenges, decide mine-now versus wait-for-next, and drive the
// scheduler over all configured addresses.
package campaign

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/midnightmine/scavenger/challenge"
	"github.com/midnightmine/scavenger/logging"
	"github.com/midnightmine/scavenger/scheduler"
)

// State of the campaign loop.
type State int

const (
	StateFetch State = iota
	StateAlreadySolvedWait
	StateAdaptivePoll
	StateMining
	StateErrorBackoff
)

func (s State) String() string {
	switch s {
	case StateFetch:
		return "FETCH"
	case StateAlreadySolvedWait:
		return "ALREADY_SOLVED_WAIT"
	case StateAdaptivePoll:
		return "ADAPTIVE_POLL"
	case StateMining:
		return "MINING"
	case StateErrorBackoff:
		return "ERROR_BACKOFF"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	ChallengeInterval time.Duration `long:"challenge-interval" description:"Cadence at which the authority issues challenges"`
	WakeEarly         time.Duration `long:"wake-early"         description:"How long before the predicted next challenge to start polling"`
	PollFast          time.Duration `long:"poll-fast"          description:"Poll interval during the warm-up window"`
	PollWarmup        time.Duration `long:"poll-warmup"        description:"Length of the fast-polling warm-up window"`
	PollSlow          time.Duration `long:"poll-slow"          description:"Poll interval after the warm-up window"`
	ErrorBackoff      time.Duration `long:"error-backoff"      description:"Fixed delay after an unexpected error before refetching"`
	SolvedCacheFile   string        `long:"solved-cache"       description:"Path of the best-effort solved-challenge cache"`
}

func DefaultConfig() Config {
	return Config{
		ChallengeInterval: time.Hour,
		WakeEarly:         2 * time.Minute,
		PollFast:          5 * time.Second,
		PollWarmup:        2 * time.Minute,
		PollSlow:          30 * time.Second,
		ErrorBackoff:      30 * time.Second,
		SolvedCacheFile:   "solved-challenges.json",
	}
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddDuration("challenge-interval", c.ChallengeInterval)
	enc.AddDuration("wake-early", c.WakeEarly)
	enc.AddDuration("poll-fast", c.PollFast)
	enc.AddDuration("poll-slow", c.PollSlow)
	enc.AddDuration("error-backoff", c.ErrorBackoff)
	return nil
}

// ChallengeSource serves the currently active challenge.
type ChallengeSource interface {
	Challenge(ctx context.Context) (*challenge.Challenge, error)
}

// Miner runs one mining pass. The scheduler implements it.
type Miner interface {
	Mine(ctx context.Context, c *challenge.Challenge, addresses []string, laneCount uint) (*scheduler.Report, error)
}

type Campaign struct {
	cfg       Config
	source    ChallengeSource
	miner     Miner
	solved    *SolvedCache
	addresses []string
	laneCount uint

	state   State
	current *challenge.Challenge
	// seenAt is when the current challenge id was first observed; the
	// next challenge boundary is predicted from it.
	seenAt time.Time
}

func New(cfg Config, source ChallengeSource, miner Miner, solved *SolvedCache, addresses []string, laneCount uint) *Campaign {
	return &Campaign{
		cfg:       cfg,
		source:    source,
		miner:     miner,
		solved:    solved,
		addresses: addresses,
		laneCount: laneCount,
		state:     StateFetch,
	}
}

// Run drives the state machine until ctx is cancelled. No error from
// any single state escapes; everything funnels into ERROR_BACKOFF.
func (c *Campaign) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	logger.Info("campaign starting",
		zap.Int("addresses", len(c.addresses)),
		zap.Uint("lanes", c.laneCount),
		zap.Object("config", c.cfg),
	)

	for {
		if err := ctx.Err(); err != nil {
			logger.Info("campaign stopped")
			return nil
		}
		next := c.step(ctx)
		if next != c.state {
			logger.Info("state transition",
				zap.Stringer("from", c.state),
				zap.Stringer("to", next),
			)
		}
		c.state = next
	}
}

// step executes the current state and returns the next one. Panics are
// treated like any other unexpected error.
func (c *Campaign) step(ctx context.Context) (next State) {
	logger := logging.FromContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in campaign state",
				zap.Stringer("state", c.state),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			next = StateErrorBackoff
		}
	}()

	switch c.state {
	case StateFetch:
		return c.fetch(ctx)
	case StateAlreadySolvedWait:
		return c.waitForBoundary(ctx)
	case StateAdaptivePoll:
		return c.adaptivePoll(ctx)
	case StateMining:
		return c.mine(ctx)
	case StateErrorBackoff:
		c.sleep(ctx, c.cfg.ErrorBackoff)
		return StateFetch
	default:
		panic(fmt.Sprintf("invalid campaign state %d", c.state))
	}
}

func (c *Campaign) fetch(ctx context.Context) State {
	logger := logging.FromContext(ctx)

	fetched, err := c.source.Challenge(ctx)
	if err != nil {
		logger.Warn("fetching challenge failed", zap.Error(err))
		return StateErrorBackoff
	}
	c.observe(fetched)

	if c.solved.Contains(fetched.ChallengeID) {
		logger.Info("current challenge already solved, waiting for the next one",
			zap.String("challenge_id", fetched.ChallengeID))
		return StateAlreadySolvedWait
	}
	return StateMining
}

// waitForBoundary sleeps until shortly before the predicted next
// challenge, then hands over to adaptive polling.
func (c *Campaign) waitForBoundary(ctx context.Context) State {
	boundary := c.seenAt.Add(c.cfg.ChallengeInterval)
	wait := time.Until(boundary.Add(-c.cfg.WakeEarly))
	if wait > 0 {
		logging.FromContext(ctx).Info("sleeping until near the next challenge boundary",
			zap.Time("boundary", boundary),
			zap.Duration("wait", wait),
		)
		c.sleep(ctx, wait)
	}
	return StateAdaptivePoll
}

// adaptivePoll polls the challenge endpoint, fast during the warm-up
// window and slower afterwards, until the challenge id changes.
func (c *Campaign) adaptivePoll(ctx context.Context) State {
	logger := logging.FromContext(ctx)
	warmupEnds := time.Now().Add(c.cfg.PollWarmup)

	for {
		if ctx.Err() != nil {
			return StateFetch
		}
		fetched, err := c.source.Challenge(ctx)
		if err != nil {
			logger.Warn("challenge poll failed", zap.Error(err))
			return StateErrorBackoff
		}
		if c.current == nil || fetched.ChallengeID != c.current.ChallengeID {
			logger.Info("new challenge detected",
				zap.String("challenge_id", fetched.ChallengeID))
			c.observe(fetched)
			return StateMining
		}

		interval := c.cfg.PollSlow
		if time.Now().Before(warmupEnds) {
			interval = c.cfg.PollFast
		}
		c.sleep(ctx, interval)
	}
}

func (c *Campaign) mine(ctx context.Context) State {
	logger := logging.FromContext(ctx)

	report, err := c.miner.Mine(ctx, c.current, c.addresses, c.laneCount)
	if err != nil {
		logger.Error("mining pass aborted", zap.Error(err))
		return StateErrorBackoff
	}
	if report.Submitted > 0 {
		c.solved.Add(ctx, c.current.ChallengeID)
	}
	// Back to FETCH regardless of partial failures; unfinished
	// addresses are retried while the challenge is still current.
	return StateFetch
}

// observe records a newly seen challenge for boundary prediction.
func (c *Campaign) observe(fetched *challenge.Challenge) {
	if c.current == nil || fetched.ChallengeID != c.current.ChallengeID {
		c.current = fetched
		c.seenAt = time.Now()
	}
}

func (c *Campaign) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
