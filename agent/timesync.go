package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/beevik/ntp"

	"github.com/crenz/sensornode/config"
	"github.com/crenz/sensornode/retry"
	"github.com/crenz/sensornode/rules"
)

const ntpTimeout = 5 * time.Second

// TimeSource measures the offset of the local clock against server.
type TimeSource func(server string) (time.Duration, error)

// NTPOffset queries server over NTP and returns the validated clock offset.
func NTPOffset(server string) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: ntpTimeout})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// syncTime measures the clock offset with cfg.Time.Retries retries. On failure the
// restart policy faults the run and the degrade policy keeps the current clock.
func (a *Agent) syncTime(ctx context.Context, cfg *config.File) error {
	server := cfg.Time.Server
	if server == "" {
		a.log.Debug("No time server configured, using the local clock")
		return nil
	}

	attempts := cfg.Time.Attempts()
	policy := retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
	if a.timeRetry != nil {
		policy = *a.timeRetry
		policy.MaxAttempts = attempts
	}

	offset, err := retry.DoWithResult(ctx, policy, func() (time.Duration, error) {
		return a.timeSource(server)
	})
	if err != nil {
		if cfg.Time.OnFailure == config.OnFailureRestart {
			return fmt.Errorf("time sync with %s: %w", server, err)
		}
		a.log.Warnf("Time sync with %s failed, continuing on the local clock: %v", server, err)
		return nil
	}

	a.log.WithField("offset", offset).Infof("Time synchronised with %s", server)
	if !a.fixedClock {
		a.clock = rules.SystemClock{Offset: offset}
	}
	return nil
}
