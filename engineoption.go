package cadenza

import (
	"runtime"
	"time"

	"github.com/cadenza-io/cadenza/persistence"
	"github.com/cadenza-io/cadenza/persistence/boltpersistence"
	"github.com/cadenza-io/cadenza/process"
	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
)

var (
	// DefaultPersistenceProvider is the default persistence provider.
	//
	// It is overridden by the WithPersistence() option.
	DefaultPersistenceProvider persistence.Provider = &boltpersistence.FileProvider{
		Path: "/var/run/cadenza.boltdb",
	}

	// DefaultReductionBudget is the default wall-clock budget for a single
	// uninterrupted run of an instance's interpreter. An instance that is
	// still making progress when the budget expires yields and is resumed
	// by a scheduled work event.
	//
	// It is overridden by the WithReductionBudget() option.
	DefaultReductionBudget = 2 * time.Second

	// DefaultEventBackoff is the default backoff strategy for work-event
	// handling retries.
	//
	// It is overridden by the WithEventBackoff() option.
	DefaultEventBackoff backoff.Strategy = backoff.WithTransforms(
		backoff.Exponential(100*time.Millisecond),
		linger.FullJitter,
		linger.Limiter(0, 1*time.Hour),
	)

	// DefaultConcurrencyLimit is the default number of instance workers that
	// may be draining at the same time.
	//
	// It is overridden by the WithConcurrencyLimit() option.
	DefaultConcurrencyLimit = uint(runtime.GOMAXPROCS(0) * 2)

	// DefaultLogger is the default target for log messages produced by the
	// engine.
	//
	// It is overridden by the WithLogger() option.
	DefaultLogger = logging.DefaultLogger
)

// InstanceTransition describes a status change of a process instance, as
// observed after it is committed.
type InstanceTransition struct {
	ProcessID  string
	InstanceID uint64
	From, To   process.Status
}

// EngineOption configures the behavior of an engine.
type EngineOption func(*engineOptions)

// WithPersistence returns an engine option that sets the persistence
// provider used to store and retrieve engine state.
//
// If this option is omitted or p is nil, DefaultPersistenceProvider is used.
func WithPersistence(p persistence.Provider) EngineOption {
	return func(opts *engineOptions) {
		opts.PersistenceProvider = p
	}
}

// WithReductionBudget returns an engine option that sets the wall-clock
// budget for a single uninterrupted run of an instance's interpreter.
//
// If this option is omitted or d is zero DefaultReductionBudget is used.
func WithReductionBudget(d time.Duration) EngineOption {
	if d < 0 {
		panic("duration must not be negative")
	}

	return func(opts *engineOptions) {
		opts.ReductionBudget = d
	}
}

// WithEventBackoff returns an engine option that sets the backoff strategy
// used to delay work-event handling retries.
//
// If this option is omitted or s is nil DefaultEventBackoff is used.
func WithEventBackoff(s backoff.Strategy) EngineOption {
	return func(opts *engineOptions) {
		opts.EventBackoff = s
	}
}

// WithConcurrencyLimit returns an engine option that limits the number of
// instance workers that may be draining at the same time.
//
// If this option is omitted or n is non-positive DefaultConcurrencyLimit is
// used.
func WithConcurrencyLimit(n uint) EngineOption {
	return func(opts *engineOptions) {
		opts.ConcurrencyLimit = n
	}
}

// WithDefinitionTTL returns an engine option that sets the duration a
// definition's correlation state is kept hydrated after its last use.
//
// If this option is omitted or d is zero process.DefaultDefinitionTTL is
// used.
func WithDefinitionTTL(d time.Duration) EngineOption {
	if d < 0 {
		panic("duration must not be negative")
	}

	return func(opts *engineOptions) {
		opts.DefinitionTTL = d
	}
}

// WithObserver returns an engine option that registers a function to be
// called with every committed instance status transition.
func WithObserver(fn func(InstanceTransition)) EngineOption {
	return func(opts *engineOptions) {
		opts.Observers = append(opts.Observers, fn)
	}
}

// WithLogger returns an engine option that sets the target for log messages
// produced by the engine.
//
// If this option is omitted or l is nil DefaultLogger is used.
func WithLogger(l logging.Logger) EngineOption {
	return func(opts *engineOptions) {
		opts.Logger = l
	}
}

// engineOptions is a container for a fully-resolved set of engine options.
type engineOptions struct {
	PersistenceProvider persistence.Provider
	ReductionBudget     time.Duration
	EventBackoff        backoff.Strategy
	ConcurrencyLimit    uint
	DefinitionTTL       time.Duration
	Observers           []func(InstanceTransition)
	Logger              logging.Logger
}

// resolveEngineOptions returns a fully-populated set of engine options built
// from the given set of option functions.
func resolveEngineOptions(options ...EngineOption) *engineOptions {
	opts := &engineOptions{}

	for _, o := range options {
		o(opts)
	}

	if opts.PersistenceProvider == nil {
		opts.PersistenceProvider = DefaultPersistenceProvider
	}

	if opts.ReductionBudget == 0 {
		opts.ReductionBudget = DefaultReductionBudget
	}

	if opts.EventBackoff == nil {
		opts.EventBackoff = DefaultEventBackoff
	}

	if opts.ConcurrencyLimit == 0 {
		opts.ConcurrencyLimit = DefaultConcurrencyLimit
	}

	if opts.Logger == nil {
		opts.Logger = DefaultLogger
	}

	return opts
}
