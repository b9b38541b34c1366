package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pyama86/slaffic-relay/domain/relay"
	"github.com/sethvargo/go-retry"
)

type ReconnectPolicy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// HealthyAfter を超えて動いた接続が切れたらバックオフをやり直す
	HealthyAfter time.Duration
}

var errHealthyRun = errors.New("connection ended after a healthy run")

// Supervise reruns connect with exponential backoff until ctx ends.
// Once MaxRetries consecutive attempts have failed the failure is reported
// and returned.
func Supervise(ctx context.Context, policy ReconnectPolicy, reporter relay.Reporter, connect func(ctx context.Context) error) error {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = time.Minute
	}
	if policy.HealthyAfter <= 0 {
		policy.HealthyAfter = 5 * time.Minute
	}

	for {
		b := retry.NewExponential(policy.BaseDelay)
		b = retry.WithJitterPercent(10, b)
		b = retry.WithCappedDuration(policy.MaxDelay, b)
		b = retry.WithMaxRetries(policy.MaxRetries, b)

		attempt := 0
		err := retry.Do(ctx, b, func(ctx context.Context) error {
			attempt++
			start := time.Now()
			err := connect(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = errors.New("connection closed")
			}
			if time.Since(start) >= policy.HealthyAfter {
				slog.Warn("Connection lost", slog.Any("err", err))
				return errHealthyRun
			}
			slog.Warn("Connection failed", slog.Int("attempt", attempt), slog.Any("err", err))
			return retry.RetryableError(err)
		})
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errHealthyRun):
			continue
		case err != nil:
			err = fmt.Errorf("giving up after %d attempts: %w", attempt, err)
			reporter.Report(context.WithoutCancel(ctx), "platform connection lost", err)
			return err
		default:
			return nil
		}
	}
}
