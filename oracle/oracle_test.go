package oracle_test

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/midnightmine/scavenger/challenge"
	"github.com/midnightmine/scavenger/logging"
	"github.com/midnightmine/scavenger/oracle"
	"github.com/midnightmine/scavenger/oracle/mocks"
)

type fakeProcess struct {
	pid        int
	alive      bool
	terminated int
}

func (p *fakeProcess) Pid() int    { return p.pid }
func (p *fakeProcess) Alive() bool { return p.alive }
func (p *fakeProcess) Terminate(time.Duration) error {
	p.terminated++
	p.alive = false
	return nil
}

type fakeLauncher struct {
	launches int
	procs    []*fakeProcess
	err      error
}

func (l *fakeLauncher) Launch(context.Context, uint16) (oracle.Process, error) {
	if l.err != nil {
		return nil, l.err
	}
	p := &fakeProcess{pid: 1000 + l.launches, alive: true}
	l.launches++
	l.procs = append(l.procs, p)
	return p, nil
}

func testConfig() oracle.Config {
	cfg := oracle.DefaultConfig()
	cfg.HealthInterval = time.Millisecond
	cfg.HealthAttempts = 3
	cfg.StopGrace = time.Millisecond
	return cfg
}

func testContext(t *testing.T) context.Context {
	return logging.NewContext(context.Background(), zaptest.NewLogger(t))
}

func testChallenge() *challenge.Challenge {
	return &challenge.Challenge{
		ChallengeID:      "D03C07",
		Difficulty:       "ff000000",
		NoPreMine:        "aa",
		NoFutureMine:     "bb",
		LatestSubmission: "2026-01-02T03:04:05Z",
	}
}

var errRefused = fmt.Errorf("Post \"http://127.0.0.1:17700/init\": %w", syscall.ECONNREFUSED)

func TestStart(t *testing.T) {
	t.Run("healthy after a few probes", func(t *testing.T) {
		transport := mocks.NewMockTransport(gomock.NewController(t))
		launcher := &fakeLauncher{}
		s := oracle.NewSupervisor(testConfig(), 17700,
			oracle.WithTransport(transport), oracle.WithLauncher(launcher))

		gomock.InOrder(
			transport.EXPECT().Health(gomock.Any()).Return(errors.New("starting up")),
			transport.EXPECT().Health(gomock.Any()).Return(nil),
		)
		require.NoError(t, s.Start(testContext(t)))
		require.Equal(t, 1, launcher.launches)
		require.False(t, s.IsReady(), "ready requires an initialized context")
	})
	t.Run("no-op when already running", func(t *testing.T) {
		transport := mocks.NewMockTransport(gomock.NewController(t))
		launcher := &fakeLauncher{}
		s := oracle.NewSupervisor(testConfig(), 17700,
			oracle.WithTransport(transport), oracle.WithLauncher(launcher))

		transport.EXPECT().Health(gomock.Any()).Return(nil)
		require.NoError(t, s.Start(testContext(t)))
		require.NoError(t, s.Start(testContext(t)))
		require.Equal(t, 1, launcher.launches)
	})
	t.Run("unhealthy process is terminated and diagnosed", func(t *testing.T) {
		transport := mocks.NewMockTransport(gomock.NewController(t))
		launcher := &fakeLauncher{}
		s := oracle.NewSupervisor(testConfig(), 17700,
			oracle.WithTransport(transport), oracle.WithLauncher(launcher))

		transport.EXPECT().Health(gomock.Any()).Times(3).Return(errors.New("no route to host"))
		err := s.Start(testContext(t))
		require.Error(t, err)
		require.Contains(t, err.Error(), "pid=1000")
		require.Contains(t, err.Error(), "port=17700")
		require.Contains(t, err.Error(), "no route to host")
		require.Equal(t, 1, launcher.procs[0].terminated)
	})
	t.Run("spawn failure", func(t *testing.T) {
		transport := mocks.NewMockTransport(gomock.NewController(t))
		launcher := &fakeLauncher{err: errors.New("no such file")}
		s := oracle.NewSupervisor(testConfig(), 17700,
			oracle.WithTransport(transport), oracle.WithLauncher(launcher))
		require.Error(t, s.Start(testContext(t)))
	})
}

func TestStopClearsHandle(t *testing.T) {
	transport := mocks.NewMockTransport(gomock.NewController(t))
	launcher := &fakeLauncher{}
	s := oracle.NewSupervisor(testConfig(), 17700,
		oracle.WithTransport(transport), oracle.WithLauncher(launcher))

	transport.EXPECT().Health(gomock.Any()).Times(2).Return(nil)
	require.NoError(t, s.Start(testContext(t)))
	require.NoError(t, s.Stop(testContext(t)))
	require.Equal(t, 1, launcher.procs[0].terminated)

	// Stopping again is harmless, and a new Start spawns a fresh process.
	require.NoError(t, s.Stop(testContext(t)))
	require.NoError(t, s.Start(testContext(t)))
	require.Equal(t, 2, launcher.launches)
}

func TestInitContext(t *testing.T) {
	t.Run("auto-starts a dead process", func(t *testing.T) {
		transport := mocks.NewMockTransport(gomock.NewController(t))
		launcher := &fakeLauncher{}
		s := oracle.NewSupervisor(testConfig(), 17700,
			oracle.WithTransport(transport), oracle.WithLauncher(launcher))

		c := testChallenge()
		gomock.InOrder(
			transport.EXPECT().Health(gomock.Any()).Return(nil),
			transport.EXPECT().Init(gomock.Any(), oracle.InitRequest{
				ContextSalt: c.NoPreMine,
				MemoryKB:    testConfig().MemoryKB,
				Threads:     testConfig().Threads,
			}).Return(nil),
		)
		require.NoError(t, s.InitContext(testContext(t), c))
		require.True(t, s.IsReady())
		require.Equal(t, 1, launcher.launches)
	})
	t.Run("idempotent for the current challenge", func(t *testing.T) {
		transport := mocks.NewMockTransport(gomock.NewController(t))
		launcher := &fakeLauncher{}
		s := oracle.NewSupervisor(testConfig(), 17700,
			oracle.WithTransport(transport), oracle.WithLauncher(launcher))

		c := testChallenge()
		transport.EXPECT().Health(gomock.Any()).Return(nil)
		transport.EXPECT().Init(gomock.Any(), gomock.Any()).Return(nil)
		require.NoError(t, s.InitContext(testContext(t), c))
		// Second call must not re-init.
		require.NoError(t, s.InitContext(testContext(t), c))
	})
	t.Run("reinitializes for a new challenge", func(t *testing.T) {
		transport := mocks.NewMockTransport(gomock.NewController(t))
		launcher := &fakeLauncher{}
		s := oracle.NewSupervisor(testConfig(), 17700,
			oracle.WithTransport(transport), oracle.WithLauncher(launcher))

		transport.EXPECT().Health(gomock.Any()).Return(nil)
		transport.EXPECT().Init(gomock.Any(), gomock.Any()).Times(2).Return(nil)
		require.NoError(t, s.InitContext(testContext(t), testChallenge()))

		next := testChallenge()
		next.ChallengeID = "D03C08"
		require.NoError(t, s.InitContext(testContext(t), next))
	})
	t.Run("one-shot restart on connection death", func(t *testing.T) {
		transport := mocks.NewMockTransport(gomock.NewController(t))
		launcher := &fakeLauncher{}
		s := oracle.NewSupervisor(testConfig(), 17700,
			oracle.WithTransport(transport), oracle.WithLauncher(launcher))

		gomock.InOrder(
			transport.EXPECT().Health(gomock.Any()).Return(nil),
			transport.EXPECT().Init(gomock.Any(), gomock.Any()).Return(errRefused),
			transport.EXPECT().Health(gomock.Any()).Return(nil),
			transport.EXPECT().Init(gomock.Any(), gomock.Any()).Return(nil),
		)
		require.NoError(t, s.InitContext(testContext(t), testChallenge()))
		require.Equal(t, 2, launcher.launches)
		require.True(t, s.IsReady())
	})
	t.Run("fatal after the single retry", func(t *testing.T) {
		transport := mocks.NewMockTransport(gomock.NewController(t))
		launcher := &fakeLauncher{}
		s := oracle.NewSupervisor(testConfig(), 17700,
			oracle.WithTransport(transport), oracle.WithLauncher(launcher))

		gomock.InOrder(
			transport.EXPECT().Health(gomock.Any()).Return(nil),
			transport.EXPECT().Init(gomock.Any(), gomock.Any()).Return(errRefused),
			transport.EXPECT().Health(gomock.Any()).Return(nil),
			transport.EXPECT().Init(gomock.Any(), gomock.Any()).Return(errRefused),
		)
		err := s.InitContext(testContext(t), testChallenge())
		require.Error(t, err)
		require.Contains(t, err.Error(), "challenge=\"D03C07\"")
		// Exactly one restart: two launches total.
		require.Equal(t, 2, launcher.launches)
	})
}

func TestHashBatch(t *testing.T) {
	ready := func(t *testing.T) (*oracle.Supervisor, *mocks.MockTransport, *fakeLauncher) {
		transport := mocks.NewMockTransport(gomock.NewController(t))
		launcher := &fakeLauncher{}
		s := oracle.NewSupervisor(testConfig(), 17700,
			oracle.WithTransport(transport), oracle.WithLauncher(launcher))
		transport.EXPECT().Health(gomock.Any()).Return(nil)
		transport.EXPECT().Init(gomock.Any(), gomock.Any()).Return(nil)
		require.NoError(t, s.InitContext(testContext(t), testChallenge()))
		return s, transport, launcher
	}

	t.Run("rejects empty batch", func(t *testing.T) {
		s, _, _ := ready(t)
		_, err := s.HashBatch(testContext(t), nil)
		require.ErrorIs(t, err, oracle.ErrEmptyBatch)
	})
	t.Run("requires an initialized context", func(t *testing.T) {
		transport := mocks.NewMockTransport(gomock.NewController(t))
		s := oracle.NewSupervisor(testConfig(), 17700,
			oracle.WithTransport(transport), oracle.WithLauncher(&fakeLauncher{}))
		_, err := s.HashBatch(testContext(t), []string{"p"})
		require.ErrorIs(t, err, oracle.ErrNotReady)
	})
	t.Run("passes batches through in order", func(t *testing.T) {
		s, transport, _ := ready(t)
		preimages := []string{"p1", "p2", "p3"}
		transport.EXPECT().HashBatch(gomock.Any(), preimages).Return([]string{"h1", "h2", "h3"}, nil)
		hashes, err := s.HashBatch(testContext(t), preimages)
		require.NoError(t, err)
		require.Equal(t, []string{"h1", "h2", "h3"}, hashes)
	})
	t.Run("length mismatch is a protocol violation", func(t *testing.T) {
		s, transport, _ := ready(t)
		transport.EXPECT().HashBatch(gomock.Any(), gomock.Any()).Return([]string{"h1"}, nil)
		_, err := s.HashBatch(testContext(t), []string{"p1", "p2"})
		require.ErrorIs(t, err, oracle.ErrProtocolViolation)
		require.Contains(t, err.Error(), "sent 2 preimages, got 1 hashes")
	})
	t.Run("one-shot restart, reinit and retry on connection death", func(t *testing.T) {
		s, transport, launcher := ready(t)
		preimages := []string{"p1", "p2"}
		gomock.InOrder(
			transport.EXPECT().HashBatch(gomock.Any(), preimages).Return(nil, errRefused),
			transport.EXPECT().Health(gomock.Any()).Return(nil),
			transport.EXPECT().Init(gomock.Any(), gomock.Any()).Return(nil),
			transport.EXPECT().HashBatch(gomock.Any(), preimages).Return([]string{"h1", "h2"}, nil),
		)
		hashes, err := s.HashBatch(testContext(t), preimages)
		require.NoError(t, err)
		require.Equal(t, []string{"h1", "h2"}, hashes)
		require.Equal(t, 2, launcher.launches)
		require.True(t, s.IsReady())
	})
	t.Run("fatal when the retry dies too", func(t *testing.T) {
		s, transport, launcher := ready(t)
		gomock.InOrder(
			transport.EXPECT().HashBatch(gomock.Any(), gomock.Any()).Return(nil, errRefused),
			transport.EXPECT().Health(gomock.Any()).Return(nil),
			transport.EXPECT().Init(gomock.Any(), gomock.Any()).Return(nil),
			transport.EXPECT().HashBatch(gomock.Any(), gomock.Any()).Return(nil, errRefused),
		)
		_, err := s.HashBatch(testContext(t), []string{"p1"})
		require.Error(t, err)
		require.Contains(t, err.Error(), "challenge=\"D03C07\"")
		require.Equal(t, 2, launcher.launches)
	})
}
