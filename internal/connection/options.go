package connection

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts  = 5
	DefaultInitialDelay = 500 * time.Millisecond
	DefaultMaxDelay     = 10 * time.Second
	DefaultDialTimeout  = 10 * time.Second

	// jitter is the randomization factor applied to exponential delays.
	jitter     = 0.2
	multiplier = 2.0
)

// Options configures a Manager.
type Options struct {
	// Dialers are tried in order on every connect attempt; the first to succeed is used.
	Dialers []Dialer
	// MaxAttempts is the number of failed reconnect attempts before the phase becomes failed.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Fixed uses InitialDelay between every attempt instead of a capped exponential delay.
	Fixed       bool
	DialTimeout time.Duration
	Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = o.InitialDelay
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func (o Options) backOff() backoff.BackOff {
	if o.Fixed {
		return backoff.NewConstantBackOff(o.InitialDelay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.InitialDelay
	b.MaxInterval = o.MaxDelay
	b.Multiplier = multiplier
	b.RandomizationFactor = jitter
	b.Reset()
	return b
}

// ReconnectWindow is the longest time a client can spend between losing its connection
// and giving up: the worst-case sum of all reconnect delays. Servers must retain events
// at least this long (plus one retry cycle) for replay to close every gap.
func ReconnectWindow(o Options) time.Duration {
	o = o.withDefaults()
	if o.Fixed {
		return time.Duration(o.MaxAttempts) * o.InitialDelay
	}
	var total time.Duration
	d := o.InitialDelay
	for i := 0; i < o.MaxAttempts; i++ {
		total += time.Duration(float64(d) * (1 + jitter))
		d = time.Duration(float64(d) * multiplier)
		if d > o.MaxDelay {
			d = o.MaxDelay
		}
	}
	return total
}
