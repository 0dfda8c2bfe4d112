package tracker

import (
	"fmt"
	"time"

	"github.com/specialistvlad/promptgrid/internal/retry"
)

// Config tunes the tracker's background activities.
type Config struct {
	// PollInterval is the period of the queue poll.
	PollInterval time.Duration
	// SweepInterval is the period of the deadline sweep.
	SweepInterval time.Duration
	// Reconnect bounds push channel reconnection after a drop.
	Reconnect retry.Policy
	// MaxPullFailures is the number of consecutive failed polls that, with
	// the push channel down, counts as total loss of the server.
	MaxPullFailures int
	// ReplayLimit and ReplayTTL bound the buffer of push frames received for
	// prompts not yet registered.
	ReplayLimit int
	ReplayTTL   time.Duration
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:  2 * time.Second,
		SweepInterval: time.Second,
		Reconnect: retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			Multiplier:  2,
			Ceiling:     30 * time.Second,
		},
		MaxPullFailures: 5,
		ReplayLimit:     256,
		ReplayTTL:       30 * time.Second,
	}
}

// Validate reports configuration mistakes.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.MaxPullFailures < 1 {
		return fmt.Errorf("max pull failures must be at least 1, got %d", c.MaxPullFailures)
	}
	if c.ReplayLimit < 0 {
		return fmt.Errorf("replay limit must not be negative, got %d", c.ReplayLimit)
	}
	if err := c.Reconnect.Validate(); err != nil {
		return fmt.Errorf("reconnect policy: %w", err)
	}
	return nil
}
