// Package oracle supervises the external hash-computation processes.
// The hasher's per-challenge context is expensive to build, so crash
// recovery is attempted exactly once per call rather than retried
// unboundedly.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/midnightmine/scavenger/challenge"
	"github.com/midnightmine/scavenger/logging"
)

var (
	ErrEmptyBatch        = errors.New("empty hash batch")
	ErrNotReady          = errors.New("no hasher context is initialized")
	ErrProtocolViolation = errors.New("hasher protocol violation")
)

// Supervisor owns the lifecycle of one hasher instance bound to one
// local port. Each scheduler lane gets its own supervisor; none are
// shared.
type Supervisor struct {
	cfg       Config
	port      uint16
	launcher  Launcher
	transport Transport

	mu      sync.Mutex
	proc    Process
	session Session
	// last initialized challenge, needed to rebuild the context after a
	// mid-batch crash.
	lastChallenge *challenge.Challenge
}

type newSupervisorOptionFunc func(*Supervisor)

// WithTransport overrides the wire transport. Used by tests to avoid
// touching the network.
func WithTransport(t Transport) newSupervisorOptionFunc {
	return func(s *Supervisor) {
		s.transport = t
	}
}

// WithLauncher overrides process spawning. Used by tests to avoid
// spawning real processes.
func WithLauncher(l Launcher) newSupervisorOptionFunc {
	return func(s *Supervisor) {
		s.launcher = l
	}
}

func NewSupervisor(cfg Config, port uint16, opts ...newSupervisorOptionFunc) *Supervisor {
	s := &Supervisor{
		cfg:  cfg,
		port: port,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.launcher == nil {
		s.launcher = NewExecLauncher(cfg.Binary)
	}
	if s.transport == nil {
		s.transport = NewHTTPTransport(port)
	}
	return s
}

// Start launches the hasher process if it is not already running and
// waits until it answers health probes. It is a no-op (with a warning)
// if the process is already alive.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	if s.proc != nil && s.proc.Alive() {
		logger.Warn("hasher already running", zap.Int("pid", s.proc.Pid()), zap.Uint16("port", s.port))
		return nil
	}

	s.session = s.session.starting()
	proc, err := s.launcher.Launch(ctx, s.port)
	if err != nil {
		s.session = s.session.crashed()
		return err
	}
	s.proc = proc
	logger.Info("hasher started", zap.Int("pid", proc.Pid()), zap.Uint16("port", s.port))

	var lastProbeErr error
	for attempt := uint(0); attempt < s.cfg.HealthAttempts; attempt++ {
		if lastProbeErr = s.transport.Health(ctx); lastProbeErr == nil {
			return nil
		}
		select {
		case <-time.After(s.cfg.HealthInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	pid := proc.Pid()
	if err := proc.Terminate(s.cfg.StopGrace); err != nil {
		logger.Warn("failed to terminate unhealthy hasher", zap.Int("pid", pid), zap.Error(err))
	}
	s.proc = nil
	s.session = s.session.crashed()
	return fmt.Errorf("hasher not healthy after %d probes: pid=%d port=%d last probe error: %w",
		s.cfg.HealthAttempts, pid, s.port, lastProbeErr)
}

// Stop terminates the hasher. The internal handle is cleared regardless
// of the outcome.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Supervisor) stopLocked(ctx context.Context) error {
	defer func() {
		s.proc = nil
		s.session = s.session.stopped()
	}()
	if s.proc == nil {
		return nil
	}
	logging.FromContext(ctx).Info("stopping hasher", zap.Int("pid", s.proc.Pid()), zap.Uint16("port", s.port))
	return s.proc.Terminate(s.cfg.StopGrace)
}

// InitContext builds the hasher's context for the given challenge,
// auto-starting the process if it is dead. If the process dies under
// the call, exactly one restart-and-retry is attempted before the error
// is surfaced.
func (s *Supervisor) InitContext(ctx context.Context, c *challenge.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session.readyFor(c.ChallengeID) && s.alive() {
		return nil
	}
	if !s.alive() {
		if err := s.startLocked(ctx); err != nil {
			return fmt.Errorf("starting hasher for context init: %w", err)
		}
	}

	err := s.initLocked(ctx, c)
	if isConnDead(err) {
		logging.FromContext(ctx).Warn("hasher died during context init, restarting once",
			zap.String("challenge_id", c.ChallengeID), zap.Error(err))
		if err := s.restartLocked(ctx); err != nil {
			return err
		}
		err = s.initLocked(ctx, c)
	}
	if err != nil {
		return fmt.Errorf("context init failed: %s: %w", s.diag(c.ChallengeID), err)
	}

	s.session = s.session.ready(c.ChallengeID)
	s.lastChallenge = c
	logging.FromContext(ctx).Info("hasher context ready",
		zap.String("challenge_id", c.ChallengeID), zap.Uint16("port", s.port))
	return nil
}

func (s *Supervisor) initLocked(ctx context.Context, c *challenge.Challenge) error {
	return s.transport.Init(ctx, InitRequest{
		ContextSalt: c.NoPreMine,
		MemoryKB:    s.cfg.MemoryKB,
		Threads:     s.cfg.Threads,
	})
}

// HashBatch hashes the given preimages, preserving order. A response
// whose hash count differs from the request count is a protocol
// violation and is never silently truncated or padded. If the process
// dies under the call, one restart-reinit-retry cycle is attempted.
func (s *Supervisor) HashBatch(ctx context.Context, preimages []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(preimages) == 0 {
		return nil, ErrEmptyBatch
	}
	if s.session.State != Ready || s.lastChallenge == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, s.diag(""))
	}
	challengeID := s.lastChallenge.ChallengeID

	hashes, err := s.transport.HashBatch(ctx, preimages)
	if isConnDead(err) {
		logging.FromContext(ctx).Warn("hasher died during batch, restarting once",
			zap.String("challenge_id", challengeID),
			zap.Int("batch_size", len(preimages)),
			zap.Error(err))
		if err := s.restartLocked(ctx); err != nil {
			return nil, err
		}
		if err := s.initLocked(ctx, s.lastChallenge); err != nil {
			return nil, fmt.Errorf("reinit after restart failed: %s: %w", s.diag(challengeID), err)
		}
		s.session = s.session.ready(challengeID)
		hashes, err = s.transport.HashBatch(ctx, preimages)
	}
	if err != nil {
		return nil, fmt.Errorf("hash batch failed: %s: %w", s.diag(challengeID), err)
	}
	if len(hashes) != len(preimages) {
		return nil, fmt.Errorf("%w: sent %d preimages, got %d hashes: %s",
			ErrProtocolViolation, len(preimages), len(hashes), s.diag(challengeID))
	}
	return hashes, nil
}

// restartLocked performs the one-shot crash recovery: stop whatever is
// left of the process and bring a fresh one up.
func (s *Supervisor) restartLocked(ctx context.Context) error {
	s.session = s.session.crashed()
	if err := s.stopLocked(ctx); err != nil {
		logging.FromContext(ctx).Warn("terminating crashed hasher", zap.Error(err))
	}
	if err := s.startLocked(ctx); err != nil {
		return fmt.Errorf("hasher restart failed: %w", err)
	}
	return nil
}

// IsReady reports whether the process is alive and its context matches
// the last initialized challenge.
func (s *Supervisor) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.State == Ready && s.alive()
}

// Port returns the local port this supervisor's hasher is bound to.
func (s *Supervisor) Port() uint16 {
	return s.port
}

func (s *Supervisor) alive() bool {
	return s.proc != nil && s.proc.Alive()
}

// diag renders the liveness flag, pid and challenge id every fatal
// error must embed.
func (s *Supervisor) diag(challengeID string) string {
	pid := -1
	if s.proc != nil {
		pid = s.proc.Pid()
	}
	return fmt.Sprintf("pid=%d port=%d alive=%t state=%s challenge=%q",
		pid, s.port, s.alive(), s.session.State, challengeID)
}
