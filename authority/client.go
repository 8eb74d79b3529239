// Package authority is the HTTP client for the remote challenge
// authority: fetching the active challenge and submitting solutions.
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/midnightmine/scavenger/challenge"
	"github.com/midnightmine/scavenger/logging"
)

var (
	ErrNoActiveChallenge = errors.New("no active challenge")
	ErrRetriesExhausted  = errors.New("submission retries exhausted")
)

type Config struct {
	BaseURL       string        `long:"api-base"        description:"Base URL of the challenge authority API"`
	SubmitRetries uint          `long:"submit-retries"  description:"Attempts before a submission is given up"`
	RetryUnit     time.Duration `long:"retry-unit"      description:"Backoff unit; attempt N waits N times this long"`
	Timeout       time.Duration `long:"api-timeout"     description:"Per-request HTTP timeout"`
}

func DefaultConfig() Config {
	return Config{
		BaseURL:       "https://scavenger.prod.gd.midnighttge.io",
		SubmitRetries: 5,
		RetryUnit:     2 * time.Second,
		Timeout:       30 * time.Second,
	}
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("base-url", c.BaseURL)
	enc.AddUint("submit-retries", c.SubmitRetries)
	enc.AddDuration("retry-unit", c.RetryUnit)
	return nil
}

// Outcome is the result of a solution submission. A response saying the
// record already exists means the authority already holds a valid proof
// for the triple, so it is reclassified as success.
type Outcome struct {
	Accepted  bool
	Duplicate bool
	Response  string
}

type Client struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Challenge fetches the currently active challenge. An inactive or
// unknown campaign state maps to ErrNoActiveChallenge.
func (c *Client) Challenge(ctx context.Context) (*challenge.Challenge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/challenge", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching challenge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoActiveChallenge
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading challenge response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("challenge endpoint returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var payload struct {
		challenge.Challenge
		State string `json:"state"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decoding challenge: %w", err)
	}
	if payload.State != "" && payload.State != "active" {
		return nil, fmt.Errorf("%w: campaign state %q", ErrNoActiveChallenge, payload.State)
	}
	if err := payload.Challenge.Validate(); err != nil {
		return nil, fmt.Errorf("authority returned malformed challenge: %w", err)
	}
	return &payload.Challenge, nil
}

// Submit delivers a found solution. Transient failures (network errors
// and any API error that is not a duplicate) are retried up to the
// configured cap with linearly increasing backoff. Exhausting the cap
// returns a non-fatal error wrapping ErrRetriesExhausted.
func (c *Client) Submit(ctx context.Context, address, challengeID, nonce string) (*Outcome, error) {
	logger := logging.FromContext(ctx).With(
		zap.String("challenge_id", challengeID),
		zap.String("nonce", nonce),
	)

	var lastErr error
	for attempt := uint(1); attempt <= c.cfg.SubmitRetries; attempt++ {
		outcome, err := c.submitOnce(ctx, address, challengeID, nonce)
		if err == nil {
			if outcome.Duplicate {
				logger.Info("authority already holds this solution, treating as success")
			}
			return outcome, nil
		}
		lastErr = err
		logger.Warn("submission attempt failed",
			zap.Uint("attempt", attempt),
			zap.Uint("max_attempts", c.cfg.SubmitRetries),
			zap.Error(err),
		)

		if attempt == c.cfg.SubmitRetries {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * c.cfg.RetryUnit):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.cfg.SubmitRetries, lastErr)
}

func (c *Client) submitOnce(ctx context.Context, address, challengeID, nonce string) (*Outcome, error) {
	endpoint := fmt.Sprintf("%s/solution/%s/%s/%s",
		c.cfg.BaseURL, url.PathEscape(address), url.PathEscape(challengeID), url.PathEscape(nonce))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting solution: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading submission response: %w", err)
	}
	body := strings.TrimSpace(string(data))

	switch {
	case resp.StatusCode == http.StatusOK:
		return &Outcome{Accepted: true, Response: body}, nil
	case isDuplicate(resp.StatusCode, body):
		return &Outcome{Accepted: true, Duplicate: true, Response: body}, nil
	default:
		return nil, fmt.Errorf("submission returned status %d: %s", resp.StatusCode, body)
	}
}

// isDuplicate recognizes the authority's idempotent "already exists"
// answer in its various shapes.
func isDuplicate(status int, body string) bool {
	if status == http.StatusConflict {
		return true
	}
	lower := strings.ToLower(body)
	return strings.Contains(lower, "already exists") || strings.Contains(lower, "duplicate")
}

// Donate asks the authority to consolidate all past and future rewards
// of address into destination. Used by the recovery tooling; the
// signature is produced by the wallet outside this core.
func (c *Client) Donate(ctx context.Context, address, destination, signature string) error {
	payload, err := json.Marshal(struct {
		Address     string `json:"address"`
		Destination string `json:"destination"`
		Signature   string `json:"signature"`
	}{address, destination, signature})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/donate_to",
		strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting consolidation: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("consolidation returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}
