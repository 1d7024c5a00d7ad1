// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package sched

import "time"

// schedOptions holds configuration resolved by NewScheduler's options.
type schedOptions struct {
	arch           Arch
	numCores       int
	topPriority    int
	quantum        time.Duration
	maxCongestion  int
	failSafePeriod int
	stackAllocator StackAllocator
	stackSize      int
	logger         Logger
	metricsEnabled bool
}

// Option configures a Scheduler instance.
type Option interface {
	apply(*schedOptions) error
}

type optionFunc func(*schedOptions) error

func (f optionFunc) apply(opts *schedOptions) error { return f(opts) }

// WithArch sets the hardware abstraction the scheduler drives. Required;
// NewScheduler returns an error if it is never supplied.
func WithArch(arch Arch) Option {
	return optionFunc(func(opts *schedOptions) error {
		opts.arch = arch
		return nil
	})
}

// WithNumCores sets how many cores the scheduler will run on, i.e. the
// number of CCBs it allocates. Default 1.
func WithNumCores(n int) Option {
	return optionFunc(func(opts *schedOptions) error {
		opts.numCores = n
		return nil
	})
}

// WithPriorityLists sets the top priority; the scheduler then has
// topPriority+1 priority levels, numbered [0, topPriority]. Default 31
// (defaultTopPriority in scheduler.go), i.e. 32 levels.
func WithPriorityLists(topPriority int) Option {
	return optionFunc(func(opts *schedOptions) error {
		opts.topPriority = topPriority
		return nil
	})
}

// WithQuantum sets the base quantum. After each switch the gain phase
// arms the core's preemption timer for quantum/(priority+1). Default 10ms.
func WithQuantum(d time.Duration) Option {
	return optionFunc(func(opts *schedOptions) error {
		opts.quantum = d
		return nil
	})
}

// WithMaxCongestion sets the congestion-counter threshold: once the
// counter that selectNextLocked maintains reaches it, a Boost is
// triggered. Default 2.
func WithMaxCongestion(n int) Option {
	return optionFunc(func(opts *schedOptions) error {
		opts.maxCongestion = n
		return nil
	})
}

// WithFailSafePeriod sets the selection count at which the fail-safe boost
// fires, whether or not congestion boosts fired before; a congestion boost
// on that same selection takes its place. Default 500, matching the
// original kernel's constant; see selectNextLocked in scheduler.go for
// the faithfully-preserved once-only firing behavior.
func WithFailSafePeriod(ticks int) Option {
	return optionFunc(func(opts *schedOptions) error {
		opts.failSafePeriod = ticks
		return nil
	})
}

// WithStackAllocator overrides the default heap-backed StackAllocator,
// e.g. with the Linux mmap/guard-page allocator in stack_linux.go.
func WithStackAllocator(a StackAllocator) Option {
	return optionFunc(func(opts *schedOptions) error {
		opts.stackAllocator = a
		return nil
	})
}

// WithStackSize sets the per-thread stack size passed to the configured
// StackAllocator. Default 64KiB.
func WithStackSize(bytes int) Option {
	return optionFunc(func(opts *schedOptions) error {
		opts.stackSize = bytes
		return nil
	})
}

// WithLogger sets the Scheduler's logger, overriding the package-level
// global logger for this instance only.
func WithLogger(logger Logger) Option {
	return optionFunc(func(opts *schedOptions) error {
		opts.logger = logger
		return nil
	})
}

// WithMetrics enables runtime metrics collection on the Scheduler. When
// enabled, metrics are available via Scheduler.Metrics(). This adds
// minimal overhead (quantum latency recording, ready-depth sampling on
// each scheduling decision).
func WithMetrics(enabled bool) Option {
	return optionFunc(func(opts *schedOptions) error {
		opts.metricsEnabled = enabled
		return nil
	})
}

// resolveOptions applies Option instances over the scheduler's defaults.
func resolveOptions(opts []Option) (*schedOptions, error) {
	cfg := &schedOptions{
		numCores:       1,
		topPriority:    defaultTopPriority,
		quantum:        10 * time.Millisecond,
		maxCongestion:  2,
		failSafePeriod: 500,
		stackSize:      64 * 1024,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.stackAllocator == nil {
		cfg.stackAllocator = NewHeapStackAllocator()
	}
	return cfg, nil
}
