package agentapi

import (
	"context"
	"fmt"
	"math"
	"time"

	"agentchat/internal/metrics"
)

// PollPolicy controls how often a pending run is re-read.
type PollPolicy struct {
	Interval    time.Duration
	MaxInterval time.Duration
	// Multiplier <= 1 keeps the interval fixed.
	Multiplier float64
	// Timeout bounds the whole wait; zero means only ctx bounds it.
	Timeout time.Duration
}

// DefaultPollPolicy re-reads the run once per second for up to five minutes.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{Interval: time.Second, Timeout: 5 * time.Minute}
}

func (p PollPolicy) withDefaults() PollPolicy {
	if p.Interval <= 0 {
		p.Interval = time.Second
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}
	return p
}

// Delay returns the wait before poll number attempt (0-based).
func (p PollPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if p.Multiplier <= 1 || attempt <= 0 {
		return p.Interval
	}
	delay := time.Duration(float64(p.Interval) * math.Pow(p.Multiplier, float64(attempt)))
	if delay <= 0 || delay > p.MaxInterval {
		return p.MaxInterval
	}
	return delay
}

// PollRun re-reads the run until it leaves the pending states. When the policy timeout or
// ctx ends the wait, the run is cancelled best-effort and the context error is returned.
func (c *Client) PollRun(ctx context.Context, threadID string, run *Run) (*Run, error) {
	if run == nil {
		return nil, fmt.Errorf("poll run: nil run")
	}
	waitCtx := ctx
	if c.poll.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.poll.Timeout)
		defer cancel()
	}

	start := time.Now()
	current := run
	last := run.Status
	for attempt := 0; current.Status.IsPending(); attempt++ {
		timer := time.NewTimer(c.poll.Delay(attempt))
		select {
		case <-waitCtx.Done():
			timer.Stop()
			c.cancelQuietly(ctx, threadID, current.ID)
			return current, fmt.Errorf("wait for run %s: %w", current.ID, waitCtx.Err())
		case <-timer.C:
		}

		next, err := c.GetRun(waitCtx, threadID, current.ID)
		metrics.RunPollsTotal.Inc()
		if err != nil {
			if waitCtx.Err() != nil {
				c.cancelQuietly(ctx, threadID, current.ID)
				return current, fmt.Errorf("wait for run %s: %w", current.ID, waitCtx.Err())
			}
			return current, err
		}
		current = next
		if current.Status != last {
			c.logger.Debug().
				Str("run_id", current.ID).
				Str("from", string(last)).
				Str("to", string(current.Status)).
				Msg("run status changed")
			last = current.Status
		}
	}

	metrics.RunsTotal.WithLabelValues(string(current.Status)).Inc()
	metrics.RunDuration.Observe(time.Since(start).Seconds())
	return current, nil
}

func (c *Client) cancelQuietly(parent context.Context, threadID, runID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 5*time.Second)
	defer cancel()
	if _, err := c.CancelRun(ctx, threadID, runID); err != nil {
		c.logger.Warn().Err(err).Str("run_id", runID).Msg("cancel abandoned run")
		return
	}
	metrics.RunsTotal.WithLabelValues(string(RunCancelled)).Inc()
}
