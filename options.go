// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package loopcore

import (
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// driverOptions holds configuration options for Driver creation.
type driverOptions struct {
	backend        Backend
	clock          Clock
	logger         *logiface.Logger[*stumpy.Event]
	errorHandler   func(error)
	scavengeBudget int
}

// DriverOption configures a Driver instance.
type DriverOption interface {
	applyDriver(*driverOptions)
}

// driverOptionImpl implements DriverOption.
type driverOptionImpl struct {
	applyDriverFunc func(*driverOptions)
}

func (o *driverOptionImpl) applyDriver(opts *driverOptions) {
	o.applyDriverFunc(opts)
}

// WithBackend supplies the Backend used for Readable/Writable/Signal
// dispatch, overriding the platform default.
func WithBackend(backend Backend) DriverOption {
	return &driverOptionImpl{func(opts *driverOptions) {
		opts.backend = backend
	}}
}

// WithClock supplies the Clock used for Delay/Repeat scheduling, overriding
// the system monotonic clock. Intended for deterministic tests, see
// newFixedClock.
func WithClock(clock Clock) DriverOption {
	return &driverOptionImpl{func(opts *driverOptions) {
		opts.clock = clock
	}}
}

// WithLogger installs a structured logger, overriding the package default
// (stumpy on stderr).
func WithLogger(logger *logiface.Logger[*stumpy.Event]) DriverOption {
	return &driverOptionImpl{func(opts *driverOptions) {
		opts.logger = logger
	}}
}

// WithErrorHandler installs the initial error handler, equivalent to
// calling Driver.SetErrorHandler before the first Run.
func WithErrorHandler(handler func(error)) DriverOption {
	return &driverOptionImpl{func(opts *driverOptions) {
		opts.errorHandler = handler
	}}
}

// WithScavengeBudget sets the tombstone threshold above which
// registry.invalidate compacts a callback kind's index mid-tick. Every kind
// with tombstones is also compacted at the end of each tick, whatever the
// budget. A zero or negative value keeps the built-in default.
func WithScavengeBudget(n int) DriverOption {
	return &driverOptionImpl{func(opts *driverOptions) {
		opts.scavengeBudget = n
	}}
}

// resolveDriverOptions applies DriverOption instances to driverOptions.
func resolveDriverOptions(opts []DriverOption) *driverOptions {
	cfg := &driverOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyDriver(cfg)
	}
	return cfg
}
