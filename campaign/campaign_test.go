package campaign

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/midnightmine/scavenger/challenge"
	"github.com/midnightmine/scavenger/logging"
	"github.com/midnightmine/scavenger/scheduler"
)

var testAddresses = []string{"addr1qxyzexampleaddressone", "addr1qxyzexampleaddresstwo"}

func testChallenge(id string) *challenge.Challenge {
	return &challenge.Challenge{
		ChallengeID:      id,
		Difficulty:       "f0000000",
		NoPreMine:        "aabbccdd",
		NoFutureMine:     "11223344",
		LatestSubmission: "2026-01-02T03:04:05Z",
	}
}

func testContext(t *testing.T) context.Context {
	return logging.NewContext(context.Background(), zaptest.NewLogger(t))
}

func testConfig() Config {
	return Config{
		ChallengeInterval: 50 * time.Millisecond,
		WakeEarly:         10 * time.Millisecond,
		PollFast:          time.Millisecond,
		PollWarmup:        10 * time.Millisecond,
		PollSlow:          2 * time.Millisecond,
		ErrorBackoff:      time.Millisecond,
	}
}

func testCache(t *testing.T) *SolvedCache {
	cache, err := OpenSolvedCache(filepath.Join(t.TempDir(), "solved.json"))
	require.NoError(t, err)
	return cache
}

type scriptedSource struct {
	mu        sync.Mutex
	responses []*challenge.Challenge
	err       error
	calls     int
}

func (s *scriptedSource) Challenge(context.Context) (*challenge.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	c := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return c, nil
}

type fakeMiner struct {
	mu     sync.Mutex
	report *scheduler.Report
	err    error
	panics bool
	mined  []string
}

func (m *fakeMiner) Mine(ctx context.Context, c *challenge.Challenge, addresses []string, lanes uint) (*scheduler.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panics {
		panic("miner exploded")
	}
	m.mined = append(m.mined, c.ChallengeID)
	return m.report, m.err
}

func TestFetchTransitions(t *testing.T) {
	t.Run("fresh challenge goes to mining", func(t *testing.T) {
		source := &scriptedSource{responses: []*challenge.Challenge{testChallenge("D01C01")}}
		c := New(testConfig(), source, &fakeMiner{}, testCache(t), testAddresses, 2)

		require.Equal(t, StateMining, c.step(testContext(t)))
		require.Equal(t, "D01C01", c.current.ChallengeID)
	})
	t.Run("cached challenge waits for the next one", func(t *testing.T) {
		cache := testCache(t)
		cache.Add(testContext(t), "D01C01")
		source := &scriptedSource{responses: []*challenge.Challenge{testChallenge("D01C01")}}
		c := New(testConfig(), source, &fakeMiner{}, cache, testAddresses, 2)

		require.Equal(t, StateAlreadySolvedWait, c.step(testContext(t)))
	})
	t.Run("fetch failure backs off", func(t *testing.T) {
		source := &scriptedSource{err: errors.New("api down")}
		c := New(testConfig(), source, &fakeMiner{}, testCache(t), testAddresses, 2)

		require.Equal(t, StateErrorBackoff, c.step(testContext(t)))
		// Backoff leads straight back to FETCH.
		c.state = StateErrorBackoff
		require.Equal(t, StateFetch, c.step(testContext(t)))
	})
}

func TestAdaptivePollDetectsNewChallenge(t *testing.T) {
	source := &scriptedSource{responses: []*challenge.Challenge{
		testChallenge("D01C01"),
		testChallenge("D01C01"),
		testChallenge("D01C02"),
	}}
	c := New(testConfig(), source, &fakeMiner{}, testCache(t), testAddresses, 2)
	c.current = testChallenge("D01C01")
	c.state = StateAdaptivePoll

	require.Equal(t, StateMining, c.step(testContext(t)))
	require.Equal(t, "D01C02", c.current.ChallengeID)
	require.Equal(t, 3, source.calls)
}

func TestAlreadySolvedWaitWakesBeforeBoundary(t *testing.T) {
	cfg := testConfig()
	cfg.ChallengeInterval = 300 * time.Millisecond
	cfg.WakeEarly = 250 * time.Millisecond
	c := New(cfg, &scriptedSource{}, &fakeMiner{}, testCache(t), testAddresses, 2)
	c.current = testChallenge("D01C01")
	c.seenAt = time.Now()
	c.state = StateAlreadySolvedWait

	start := time.Now()
	require.Equal(t, StateAdaptivePoll, c.step(testContext(t)))
	// Woke near interval-wakeEarly, well before the full interval.
	require.Less(t, time.Since(start), cfg.ChallengeInterval)
}

func TestMiningTransitions(t *testing.T) {
	t.Run("submissions mark the challenge solved", func(t *testing.T) {
		cache := testCache(t)
		miner := &fakeMiner{report: &scheduler.Report{Mined: 2, Submitted: 2}}
		c := New(testConfig(), &scriptedSource{}, miner, cache, testAddresses, 2)
		c.current = testChallenge("D01C01")
		c.state = StateMining

		require.Equal(t, StateFetch, c.step(testContext(t)))
		require.True(t, cache.Contains("D01C01"))
	})
	t.Run("no submissions leaves the cache alone", func(t *testing.T) {
		cache := testCache(t)
		miner := &fakeMiner{report: &scheduler.Report{Failed: 2}}
		c := New(testConfig(), &scriptedSource{}, miner, cache, testAddresses, 2)
		c.current = testChallenge("D01C01")
		c.state = StateMining

		require.Equal(t, StateFetch, c.step(testContext(t)))
		require.False(t, cache.Contains("D01C01"))
	})
	t.Run("miner error backs off", func(t *testing.T) {
		miner := &fakeMiner{err: errors.New("all lanes down")}
		c := New(testConfig(), &scriptedSource{}, miner, testCache(t), testAddresses, 2)
		c.current = testChallenge("D01C01")
		c.state = StateMining

		require.Equal(t, StateErrorBackoff, c.step(testContext(t)))
	})
	t.Run("panic is contained", func(t *testing.T) {
		miner := &fakeMiner{panics: true}
		c := New(testConfig(), &scriptedSource{}, miner, testCache(t), testAddresses, 2)
		c.current = testChallenge("D01C01")
		c.state = StateMining

		require.Equal(t, StateErrorBackoff, c.step(testContext(t)))
	})
}

func TestRunMinesAndStops(t *testing.T) {
	source := &scriptedSource{responses: []*challenge.Challenge{testChallenge("D01C01")}}
	cache := testCache(t)
	miner := &fakeMiner{report: &scheduler.Report{Mined: 2, Submitted: 2}}
	c := New(testConfig(), source, miner, cache, testAddresses, 2)

	ctx, cancel := context.WithCancel(testContext(t))
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		miner.mu.Lock()
		defer miner.mu.Unlock()
		return len(miner.mined) > 0
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("campaign did not stop on cancellation")
	}
	require.True(t, cache.Contains("D01C01"))
}

func TestSolvedCachePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "solved.json")

	cache, err := OpenSolvedCache(path)
	require.NoError(t, err)
	require.False(t, cache.Contains("D01C01"))
	cache.Add(testContext(t), "D01C01")
	cache.Add(testContext(t), "D01C02")

	reloaded, err := OpenSolvedCache(path)
	require.NoError(t, err)
	require.True(t, reloaded.Contains("D01C01"))
	require.True(t, reloaded.Contains("D01C02"))
	require.False(t, reloaded.Contains("D01C03"))
}
