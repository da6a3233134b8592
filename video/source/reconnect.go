package source

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"
)

// ReconnectPolicy bounds how hard Stream tries to (re)open its device.
type ReconnectPolicy struct {
	// MaxAttempts is the number of open attempts before giving up.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
	}
}

func (p ReconnectPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.Reset()
	return b
}

// open calls opener until it succeeds or the policy is exhausted. The
// returned error is the last open failure, or the context's error.
func (p ReconnectPolicy) open(ctx context.Context, opener Opener) (Device, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.Retry(ctx, func() (Device, error) {
		return opener(ctx)
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warnf("Failed to open camera, retrying in %v: %v", next, err)
		}),
	)
}
