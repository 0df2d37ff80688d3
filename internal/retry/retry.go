// Package retry wraps fallible operations with bounded exponential backoff. Whether
// an error is retried is decided by the error itself through Recoverable.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jaywantadh/ByteRelay/pkg/logging"
	"github.com/sirupsen/logrus"
)

// JitterFraction is the largest share of a delay added as random jitter.
const JitterFraction = 0.10

// Recoverable is implemented by errors that know whether a retry may succeed.
// Errors without it are treated as non-recoverable.
type Recoverable interface {
	Recoverable() bool
}

// Policy is the retry configuration. It is a plain value.
type Policy struct {
	Name         string
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// Predefined profiles.
var (
	Network       = Policy{Name: "network", MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, Jitter: true}
	Aggressive    = Policy{Name: "aggressive", MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: true}
	FileOperation = Policy{Name: "file", MaxAttempts: 2, InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: false}
	NoRetry       = Policy{Name: "none", MaxAttempts: 1, InitialDelay: 0, MaxDelay: 0, Multiplier: 1, Jitter: false}
	Standard      = Policy{Name: "standard", MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 15 * time.Second, Multiplier: 1.5, Jitter: true}
	LongRunning   = Policy{Name: "long", MaxAttempts: 10, InitialDelay: 2 * time.Second, MaxDelay: 60 * time.Second, Multiplier: 1.2, Jitter: true}
)

var profiles = map[string]Policy{
	"network":      Network,
	"quick":        Network,
	"aggressive":   Aggressive,
	"file":         FileOperation,
	"none":         NoRetry,
	"no-retry":     NoRetry,
	"standard":     Standard,
	"long":         LongRunning,
	"long-running": LongRunning,
}

// ProfileByName returns the named profile.
func ProfileByName(name string) (Policy, error) {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Policy{}, fmt.Errorf("unknown retry profile %q", name)
	}
	return p, nil
}

// Notify is called before each sleep with the failed attempt number (1-based), the
// error and the delay about to be slept.
type Notify func(attempt int, err error, delay time.Duration)

// schedule is the backoff.BackOff implementation of a Policy. It stops after
// MaxAttempts-1 delays, so the operation runs at most MaxAttempts times.
type schedule struct {
	policy  Policy
	current time.Duration
	issued  int
	jitter  func(limit time.Duration) time.Duration
}

func newSchedule(p Policy) *schedule {
	s := &schedule{policy: p, jitter: randomJitter}
	s.Reset()
	return s
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit) + 1))
}

func (s *schedule) Reset() {
	s.current = s.policy.InitialDelay
	s.issued = 0
}

func (s *schedule) NextBackOff() time.Duration {
	if s.issued >= s.policy.MaxAttempts-1 {
		return backoff.Stop
	}
	s.issued++

	delay := s.current
	if s.policy.MaxDelay > 0 && delay > s.policy.MaxDelay {
		delay = s.policy.MaxDelay
	}

	next := time.Duration(float64(s.current) * s.policy.Multiplier)
	if s.policy.MaxDelay > 0 && next > s.policy.MaxDelay {
		next = s.policy.MaxDelay
	}
	s.current = next

	if s.policy.Jitter {
		delay += s.jitter(time.Duration(float64(delay) * JitterFraction))
	}
	return delay
}

// Delays returns the un-jittered delay sequence the policy would sleep.
func (p Policy) Delays() []time.Duration {
	s := newSchedule(p)
	s.jitter = func(time.Duration) time.Duration { return 0 }
	var out []time.Duration
	for {
		d := s.NextBackOff()
		if d == backoff.Stop {
			return out
		}
		out = append(out, d)
	}
}

func isRecoverable(err error) bool {
	var r Recoverable
	if errors.As(err, &r) {
		return r.Recoverable()
	}
	return false
}

// Do runs op until it succeeds, fails non-recoverably, or the policy is exhausted.
// The last error is returned unchanged. Cancelling ctx stops the wait between
// attempts and returns the last error.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error, notify Notify) error {
	log := logging.Component("retry")
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !isRecoverable(err) {
			log.WithFields(logrus.Fields{
				"policy":  policy.Name,
				"attempt": attempt,
				"error":   err.Error(),
			}).Debug("Non-recoverable error, not retrying")
			return backoff.Permanent(err)
		}
		return err
	}

	onRetry := func(err error, delay time.Duration) {
		log.WithFields(logrus.Fields{
			"policy":       policy.Name,
			"attempt":      attempt,
			"max_attempts": policy.MaxAttempts,
			"delay":        delay,
			"error":        err.Error(),
		}).Warn("Operation failed, retrying")
		if notify != nil {
			notify(attempt, err, delay)
		}
	}

	return backoff.RetryNotify(operation, backoff.WithContext(newSchedule(policy), ctx), onRetry)
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error), notify Notify) (T, error) {
	var result T
	err := Do(ctx, policy, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, notify)
	return result, err
}
