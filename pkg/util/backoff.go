package util

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/spf13/viper"
	"github.com/tilinna/clock"
)

const (
	paramRetryInterval = "retry-interval"  // constant
	paramRetryMaxCount = "retry-max-count" // constant + exponential
	paramRetryMaxTime  = "retry-max-time"  // constant + exponential
	paramRetryPolicy   = "retry-policy"

	defaultRetryInterval = 1 * time.Second  // constant
	defaultRetryMaxCount = 0                // constant + exponential
	defaultRetryMaxTime  = 15 * time.Second // constant + exponential
	defaultRetryPolicy   = policyExponential

	policyConstant    = "constant"
	policyDisabled    = "disabled"
	policyExponential = "exponential"
)

type BackoffFactory func() backoff.BackOff

// RetryPolicy describes how failed coordinator operations are retried.  The zero value is the
// default exponential policy.
type RetryPolicy struct {
	Policy   string
	Interval time.Duration // initial interval of the constant policy
	MaxCount uint64        // 0 means no limit on attempts
	MaxTime  time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Policy == "" {
		p.Policy = defaultRetryPolicy
	}
	if p.Interval <= 0 {
		p.Interval = defaultRetryInterval
	}
	if p.MaxTime <= 0 {
		p.MaxTime = defaultRetryMaxTime
	}
	return p
}

func (p RetryPolicy) newExponential() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	if p.Policy == policyConstant {
		// No randomization or maximum in backoff.ConstantBackOff, so use a flat exponential one.
		bo.Multiplier = 1.0
		bo.InitialInterval = p.Interval
	}
	bo.Reset() // Reset is required to make the InitialInterval change take effect.
	return bo
}

// Bounded returns backoffs that give up after MaxCount attempts or MaxTime, whichever comes first.
// A disabled policy never retries.
func (p RetryPolicy) Bounded() BackoffFactory {
	p = p.withDefaults()
	if p.Policy == policyDisabled {
		return func() backoff.BackOff { return &backoff.StopBackOff{} }
	}
	return func() backoff.BackOff {
		bo := p.newExponential()
		bo.MaxElapsedTime = p.MaxTime
		if p.MaxCount == 0 {
			return bo
		}
		return backoff.WithMaxRetries(bo, p.MaxCount)
	}
}

// Unbounded returns backoffs for loops which must always be restarted, such as watches.  They never
// return backoff.Stop: MaxTime caps a single interval instead of the total, and a disabled policy
// restarts after a flat Interval.
func (p RetryPolicy) Unbounded() BackoffFactory {
	p = p.withDefaults()
	if p.Policy == policyDisabled {
		return func() backoff.BackOff { return backoff.NewConstantBackOff(p.Interval) }
	}
	return func() backoff.BackOff {
		bo := p.newExponential()
		bo.MaxElapsedTime = 0
		if bo.MaxInterval > p.MaxTime {
			bo.MaxInterval = p.MaxTime
		}
		return bo
	}
}

// Retry runs op until it succeeds, bo stops, or ctx is done, waiting on the clock from ctx between
// attempts.  notify, when not nil, is called before every wait.
func Retry(ctx context.Context, bo backoff.BackOff, op func() error, notify func(err error, wait time.Duration)) error {
	clck := clock.FromContext(ctx)
	bo.Reset()
	for {
		err := op()
		if err == nil {
			return nil
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		if notify != nil {
			notify(err, wait)
		}
		tmr := clck.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return err
		case <-tmr.C:
		}
	}
}

func GetRetryFromViper(v *viper.Viper) (RetryPolicy, error) {
	v.SetDefault(paramRetryInterval, defaultRetryInterval) // constant
	v.SetDefault(paramRetryMaxCount, defaultRetryMaxCount) // constant + exponential
	v.SetDefault(paramRetryMaxTime, defaultRetryMaxTime)   // constant + exponential
	v.SetDefault(paramRetryPolicy, defaultRetryPolicy)

	retryInterval := v.GetDuration(paramRetryInterval) // constant
	retryMaxCount := v.GetInt64(paramRetryMaxCount)    // constant + exponential
	retryMaxTime := v.GetDuration(paramRetryMaxTime)   // constant + exponential
	retryPolicy := v.GetString(paramRetryPolicy)

	if retryInterval <= 0 {
		return RetryPolicy{}, errors.New(paramRetryInterval + " must be positive")
	}

	if retryMaxCount < 0 {
		return RetryPolicy{}, errors.New(paramRetryMaxCount + " must be zero or positive")
	}

	if retryMaxTime <= 0 {
		return RetryPolicy{}, errors.New(paramRetryMaxTime + " must be positive")
	}

	switch retryPolicy {
	case policyDisabled, policyExponential, policyConstant:
	default:
		return RetryPolicy{}, fmt.Errorf("%s (%s) not one of %s, %s, or %s", paramRetryPolicy, retryPolicy, policyDisabled, policyConstant, policyExponential)
	}
	return RetryPolicy{
		Policy:   retryPolicy,
		Interval: retryInterval,
		MaxCount: uint64(retryMaxCount),
		MaxTime:  retryMaxTime,
	}, nil
}
