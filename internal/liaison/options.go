package liaison

import (
	"time"

	"github.com/rs/zerolog"
	"vendlink/internal/logger"
)

const (
	DefaultNamespace        = "vm"
	DefaultHealthTimeout    = time.Second
	DefaultLocationCapacity = 65536
)

type serviceOptions struct {
	namespace        string
	healthTimeout    time.Duration
	locationCapacity int
	logger           zerolog.Logger
	now              func() time.Time
}

// Option configures a Service.
type Option func(*serviceOptions)

// WithNamespace sets the first topic segment shared by all device topics.
func WithNamespace(namespace string) Option {
	return func(opts *serviceOptions) {
		opts.namespace = namespace
	}
}

// WithHealthTimeout sets how long a health check waits for a status message.
func WithHealthTimeout(timeout time.Duration) Option {
	return func(opts *serviceOptions) {
		opts.healthTimeout = timeout
	}
}

// WithLocationCapacity bounds the number of devices kept in the location cache.
func WithLocationCapacity(capacity int) Option {
	return func(opts *serviceOptions) {
		opts.locationCapacity = capacity
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(opts *serviceOptions) {
		opts.logger = l
	}
}

// WithClock replaces time.Now for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(opts *serviceOptions) {
		opts.now = now
	}
}

func newServiceOptions(options ...Option) *serviceOptions {
	opts := &serviceOptions{
		namespace:        DefaultNamespace,
		healthTimeout:    DefaultHealthTimeout,
		locationCapacity: DefaultLocationCapacity,
		logger:           logger.Component("liaison"),
		now:              time.Now,
	}
	for _, option := range options {
		option(opts)
	}
	if opts.namespace == "" {
		opts.namespace = DefaultNamespace
	}
	if opts.healthTimeout <= 0 {
		opts.healthTimeout = DefaultHealthTimeout
	}
	if opts.locationCapacity <= 0 {
		opts.locationCapacity = DefaultLocationCapacity
	}
	return opts
}
