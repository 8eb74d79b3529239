package solver_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/midnightmine/scavenger/challenge"
	"github.com/midnightmine/scavenger/logging"
	"github.com/midnightmine/scavenger/solver"
)

const testAddress = "addr1qxyzexampleaddressexample"

func testChallenge() *challenge.Challenge {
	return &challenge.Challenge{
		ChallengeID:      "D01C01",
		Difficulty:       "ffffffff",
		NoPreMine:        "aabbccdd",
		NoFutureMine:     "11223344",
		LatestSubmission: "2026-01-02T03:04:05Z",
	}
}

func testContext(t *testing.T) context.Context {
	return logging.NewContext(context.Background(), zaptest.NewLogger(t))
}

func testConfig() solver.Config {
	cfg := solver.DefaultConfig()
	cfg.BatchSize = 16
	return cfg
}

// neverMatching returns hashes that no mask except all-ones accepts and
// records how it is called.
type neverMatching struct {
	calls      int
	batchSizes []int
	cancelAt   int
	cancel     context.CancelFunc
}

func (p *neverMatching) HashBatch(ctx context.Context, preimages []string) ([]string, error) {
	p.calls++
	p.batchSizes = append(p.batchSizes, len(preimages))
	if p.cancel != nil && p.calls >= p.cancelAt {
		p.cancel()
	}
	hashes := make([]string, len(preimages))
	for i := range hashes {
		hashes[i] = "ffffffffffffffff"
	}
	return hashes, nil
}

func TestSolveWithLocalProvider(t *testing.T) {
	t.Parallel()
	s := solver.New(testConfig(), solver.NewLocalProvider())

	c := testChallenge() // all-ones mask: the very first hash wins
	solution, err := s.Solve(testContext(t), c, testAddress)
	require.NoError(t, err)

	require.Equal(t, testAddress, solution.Address)
	require.Equal(t, c.ChallengeID, solution.ChallengeID)
	require.Regexp(t, "^[0-9a-f]{16}$", solution.Nonce)
	require.Equal(t, uint64(1), solution.Attempts)

	// The reported hash must be the digest of the reconstructed preimage.
	digest := sha256.Sum256([]byte(challenge.Preimage(solution.Nonce, testAddress, c)))
	require.Equal(t, hex.EncodeToString(digest[:]), solution.Hash)
}

func TestSolveChecksCancellationAtBatchBoundary(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	provider := &neverMatching{cancelAt: 2, cancel: cancel}
	cfg := testConfig()
	c := testChallenge()
	c.Difficulty = "00000000" // only an all-zero prefix would win

	_, err := solver.New(cfg, provider).Solve(ctx, c, testAddress)
	require.ErrorIs(t, err, context.Canceled)
	// Cancellation fired during batch 2 and was honored at the next
	// boundary - no further batches were issued.
	require.Equal(t, 2, provider.calls)
}

func TestSolveBatchesAreNeverSingleNonce(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	provider := &neverMatching{cancelAt: 3, cancel: cancel}
	cfg := testConfig()
	c := testChallenge()
	c.Difficulty = "00000000"

	_, err := solver.New(cfg, provider).Solve(ctx, c, testAddress)
	require.Error(t, err)
	for _, size := range provider.batchSizes {
		require.Equal(t, int(cfg.BatchSize), size)
	}
}

func TestSolveFailsFast(t *testing.T) {
	t.Parallel()
	provider := &neverMatching{}
	s := solver.New(testConfig(), provider)

	t.Run("invalid challenge", func(t *testing.T) {
		c := testChallenge()
		c.Difficulty = ""
		_, err := s.Solve(testContext(t), c, testAddress)
		require.ErrorIs(t, err, challenge.ErrMissingField)
	})
	t.Run("invalid address", func(t *testing.T) {
		_, err := s.Solve(testContext(t), testChallenge(), "not-an-address")
		require.ErrorIs(t, err, challenge.ErrInvalidAddress)
	})
	// No partial work: the provider was never called.
	require.Zero(t, provider.calls)
}

type initializingProvider struct {
	solver.HashProvider
	initErr     error
	initialized []string
}

func (p *initializingProvider) InitContext(ctx context.Context, c *challenge.Challenge) error {
	p.initialized = append(p.initialized, c.ChallengeID)
	return p.initErr
}

func TestSolveInitializesProviderContext(t *testing.T) {
	t.Parallel()

	t.Run("init before searching", func(t *testing.T) {
		t.Parallel()
		provider := &initializingProvider{HashProvider: solver.NewLocalProvider()}
		_, err := solver.New(testConfig(), provider).Solve(testContext(t), testChallenge(), testAddress)
		require.NoError(t, err)
		require.Equal(t, []string{"D01C01"}, provider.initialized)
	})
	t.Run("init failure aborts the solve", func(t *testing.T) {
		t.Parallel()
		initErr := errors.New("context build failed")
		inner := &neverMatching{}
		provider := &initializingProvider{HashProvider: inner, initErr: initErr}
		_, err := solver.New(testConfig(), provider).Solve(testContext(t), testChallenge(), testAddress)
		require.ErrorIs(t, err, initErr)
		require.Zero(t, inner.calls)
	})
}

func TestSolveHashBatchError(t *testing.T) {
	t.Parallel()
	batchErr := errors.New("oracle exploded")
	provider := failingProvider{err: batchErr}
	_, err := solver.New(testConfig(), provider).Solve(testContext(t), testChallenge(), testAddress)
	require.ErrorIs(t, err, batchErr)
}

type failingProvider struct {
	err error
}

func (p failingProvider) HashBatch(context.Context, []string) ([]string, error) {
	return nil, p.err
}

func TestLocalProviderDeterminism(t *testing.T) {
	t.Parallel()
	p := solver.NewLocalProvider()
	a, err := p.HashBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	b, err := p.HashBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 2)
	require.NotEqual(t, a[0], a[1])
}
