package outbound

import (
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the per-channel circuit breaker.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig opens after five consecutive provider failures and
// lets a trial request through after 30 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxRequests: 3, Interval: time.Minute, Timeout: 30 * time.Second, ConsecutiveFailures: 5}
}

// ChannelOption configures the shared parts of a channel.
type ChannelOption func(*channelBase)

// WithChannelLogger sets the channel logger.
func WithChannelLogger(logger logrus.FieldLogger) ChannelOption {
	return func(b *channelBase) { b.logger = logger }
}

// WithBreaker overrides the breaker settings.
func WithBreaker(cfg BreakerConfig) ChannelOption {
	return func(b *channelBase) { b.breakerCfg = cfg }
}

// WithoutBreaker disables the breaker.
func WithoutBreaker() ChannelOption {
	return func(b *channelBase) { b.noBreaker = true }
}

type channelBase struct {
	logger     logrus.FieldLogger
	breakerCfg BreakerConfig
	noBreaker  bool
	breaker    *gobreaker.CircuitBreaker
}

func newChannelBase(name string, opts []ChannelOption) channelBase {
	b := channelBase{breakerCfg: DefaultBreakerConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(&b)
		}
	}
	if b.noBreaker {
		return b
	}
	cfg := b.breakerCfg
	logger := b.logger
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
			}
		},
		IsSuccessful: func(err error) bool { return !tripsBreaker(err) },
	})
	return b
}

// execute runs fn behind the breaker. An open breaker is reported as a 503
// provider error without calling fn.
func (b *channelBase) execute(fn func() error) error {
	if b.breaker == nil {
		return fn()
	}
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &ProviderError{StatusCode: http.StatusServiceUnavailable, Body: err.Error(), Err: err}
	}
	return err
}

func (b *channelBase) logf(fields logrus.Fields, msg string) {
	if b.logger == nil {
		return
	}
	b.logger.WithFields(fields).Debug(msg)
}
