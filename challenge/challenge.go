package challenge

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

const (
	// AddressPrefix is the fixed prefix every mining address must carry.
	AddressPrefix = "addr1"

	minAddressLen = 20
)

var (
	ErrMissingField      = errors.New("challenge is missing a required field")
	ErrInvalidAddress    = errors.New("invalid address format")
	ErrInvalidDifficulty = errors.New("invalid difficulty mask")
)

// Challenge is one proof-of-work puzzle issued by the authority.
// It is immutable once fetched; a new challenge supersedes it.
type Challenge struct {
	ChallengeID      string `json:"challenge_id"`
	Difficulty       string `json:"difficulty"`
	NoPreMine        string `json:"no_pre_mine"`
	NoFutureMine     string `json:"no_future_mine"`
	LatestSubmission string `json:"latest_submission"`

	Day             int `json:"day"`
	ChallengeNumber int `json:"challenge_number"`
}

// Validate fails fast if any field required for mining is missing or
// malformed. A solver never starts partial work on an invalid challenge.
func (c *Challenge) Validate() error {
	switch {
	case c.ChallengeID == "":
		return fmt.Errorf("%w: challenge_id", ErrMissingField)
	case c.Difficulty == "":
		return fmt.Errorf("%w: difficulty", ErrMissingField)
	case c.NoPreMine == "":
		return fmt.Errorf("%w: no_pre_mine", ErrMissingField)
	case c.NoFutureMine == "":
		return fmt.Errorf("%w: no_future_mine", ErrMissingField)
	case c.LatestSubmission == "":
		return fmt.Errorf("%w: latest_submission", ErrMissingField)
	}
	if _, err := ParseMask(c.Difficulty); err != nil {
		return err
	}
	return nil
}

// ValidateAddress checks the fixed prefix/format constraint of a mining
// address. Credentials behind the address are managed outside this core.
func ValidateAddress(address string) error {
	if !strings.HasPrefix(address, AddressPrefix) || len(address) < minAddressLen {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, truncate(address, 16))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (c Challenge) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("challenge_id", c.ChallengeID)
	enc.AddString("difficulty", c.Difficulty)
	enc.AddString("latest_submission", c.LatestSubmission)
	enc.AddInt("day", c.Day)
	enc.AddInt("challenge_number", c.ChallengeNumber)
	return nil
}
