package options

import (
	"crypto/rand"
	"io"
	"log/slog"
)

type Options struct {
	Logger *slog.Logger
	Rand   io.Reader
}

type Option func(*Options)

func WithLogger(logger *slog.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithRand overrides the source of challenges and generated keys.
// Intended for deterministic tests; defaults to crypto/rand.
func WithRand(r io.Reader) Option {
	return func(opts *Options) {
		opts.Rand = r
	}
}

func NewOptions(opts ...Option) *Options {
	oo := &Options{
		Logger: slog.Default(),
		Rand:   rand.Reader,
	}

	for _, opt := range opts {
		opt(oo)
	}

	return oo
}
