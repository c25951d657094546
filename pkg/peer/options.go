package peer

import (
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/rendezvous/pkg/frame"
	"github.com/ryandielhenn/rendezvous/pkg/match"
	"github.com/ryandielhenn/rendezvous/pkg/wire"
)

// Values are drawn uniformly from [MinValue, MaxValue].
const (
	MinValue = 1
	MaxValue = 10
)

// DefaultSearchTimeout bounds Client.Search.
const DefaultSearchTimeout = 10 * time.Second

type options struct {
	poll          time.Duration
	writeTimeout  time.Duration
	dialTimeout   time.Duration
	searchTimeout time.Duration
	window        time.Duration
	secret        int
	fixedSecret   bool
	rand          *rand.Rand
	log           *zap.Logger
}

func defaultOptions() options {
	return options{
		poll:          frame.DefaultPollInterval,
		writeTimeout:  wire.DefaultWriteTimeout,
		dialTimeout:   5 * time.Second,
		searchTimeout: DefaultSearchTimeout,
		window:        match.DefaultWindow,
		log:           zap.NewNop(),
	}
}

func (o *options) apply(opts []Option) error {
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return errors.Wrap(err, "apply peer option failed")
		}
	}
	return nil
}

// validateSearch checks that a result can arrive before the search gives up.
func (o *options) validateSearch() error {
	if o.searchTimeout <= o.window {
		return errors.Errorf("search timeout %s must exceed the tracker window %s", o.searchTimeout, o.window)
	}
	return nil
}

func (o *options) value() int {
	if o.rand != nil {
		return o.rand.IntN(MaxValue-MinValue+1) + MinValue
	}
	return rand.IntN(MaxValue-MinValue+1) + MinValue
}

// Option configures a Server or a Client.
type Option func(*options) error

// WithPollInterval bounds each blocking read.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) error {
		o.poll = d
		return nil
	}
}

// WithWriteTimeout bounds each send to the tracker.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) error {
		o.writeTimeout = d
		return nil
	}
}

// WithDialTimeout bounds Connect.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) error {
		o.dialTimeout = d
		return nil
	}
}

// WithSearchTimeout bounds how long a Client waits for a result.
func WithSearchTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.Errorf("search timeout must be positive, got %s", d)
		}
		o.searchTimeout = d
		return nil
	}
}

// WithTrackerWindow sets the aggregation window of the tracker the Client
// talks to. The search timeout must be longer.
func WithTrackerWindow(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.Errorf("window must be positive, got %s", d)
		}
		o.window = d
		return nil
	}
}

// WithSecret fixes a Server's secret instead of drawing it at random.
func WithSecret(v int) Option {
	return func(o *options) error {
		o.secret, o.fixedSecret = v, true
		return nil
	}
}

// WithRand sets the source for secrets and search values. The source is used
// by one goroutine at a time.
func WithRand(r *rand.Rand) Option {
	return func(o *options) error {
		o.rand = r
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) error {
		o.log = l
		return nil
	}
}
