// Package scheduler drives periodic update checks.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tanq16/gsmota/internal/engine"
	"github.com/tanq16/gsmota/internal/ota"
)

type Job interface {
	CheckAndInstall(ctx context.Context, force bool) (engine.Result, bool, error)
}

type Options struct {
	Interval time.Duration
	// StopAfterInstall returns after the first successful install, for
	// devices that reboot into the new image.
	StopAfterInstall bool
}

// Run checks once immediately and then every interval until ctx is done.
// Failed rounds are logged and retried at the next tick.
func Run(ctx context.Context, job Job, opts Options) error {
	if opts.Interval <= 0 {
		return errors.New("scheduler interval must be positive")
	}
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for round := 1; ; round++ {
		if done := runRound(ctx, job, round); done && opts.StopAfterInstall {
			return nil
		}
		select {
		case <-ctx.Done():
			log.Info().Str("op", "scheduler").Msgf("Stopping after %d rounds", round)
			return nil
		case <-ticker.C:
		}
	}
}

// runRound reports whether an update was installed.
func runRound(ctx context.Context, job Job, round int) bool {
	res, installed, err := job.CheckAndInstall(ctx, false)
	switch {
	case errors.Is(err, ota.ErrSessionInProgress):
		log.Warn().Str("op", "scheduler").Int("round", round).Msg("Previous session still running, skipping")
	case err != nil:
		log.Error().Str("op", "scheduler").Int("round", round).Err(err).Msg("Update round failed")
	case installed:
		log.Info().Str("op", "scheduler").Int("round", round).Str("session", res.SessionID).Msg("Update installed")
		return true
	default:
		log.Debug().Str("op", "scheduler").Int("round", round).Msg("No update")
	}
	return false
}
