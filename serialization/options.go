package serialization

import "log/slog"

const (
	// DefaultMaxRecursionDepth is the default nesting limit for lists,
	// maps and objects.
	DefaultMaxRecursionDepth = 100
	// DefaultMaxChunkedLength is the default limit, in units, on a single
	// decoded string or byte blob.
	DefaultMaxChunkedLength = 64 << 20
)

type config struct {
	registry   *Registry
	logger     *slog.Logger
	maxDepth   int
	maxChunked int
	strict     bool
}

func newConfig(opts []Option) config {
	c := config{
		registry:   defaultRegistry,
		logger:     discardLogger,
		maxDepth:   DefaultMaxRecursionDepth,
		maxChunked: DefaultMaxChunkedLength,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

var discardLogger = slog.New(slog.DiscardHandler)

// Option configures an Encoder or Decoder.
type Option func(*config)

// WithRegistry selects the type registry. The default registry knows the
// built-in codecs only.
func WithRegistry(r *Registry) Option {
	return func(c *config) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithLogger sets the logger for diagnostic records.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMaxDepth sets the nesting limit. Values <= 0 select
// DefaultMaxRecursionDepth.
func WithMaxDepth(depth int) Option {
	return func(c *config) {
		if depth <= 0 {
			depth = DefaultMaxRecursionDepth
		}
		c.maxDepth = depth
	}
}

// WithMaxChunkedLength limits decoded strings and byte blobs to n units.
// Values <= 0 select DefaultMaxChunkedLength.
func WithMaxChunkedLength(n int) Option {
	return func(c *config) {
		if n <= 0 {
			n = DefaultMaxChunkedLength
		}
		c.maxChunked = n
	}
}

// WithStrictFields makes field assignment failures fatal instead of
// skipping the field.
func WithStrictFields() Option {
	return func(c *config) {
		c.strict = true
	}
}
