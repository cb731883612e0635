package replhost

import "time"

const (
	// DefaultSettleDelay is how long the protocol engine waits after opening
	// the transport before it starts draining and interrupting.
	DefaultSettleDelay = 1500 * time.Millisecond
	// DefaultInitTimeout bounds entering Raw mode and reading its banner.
	DefaultInitTimeout = 5 * time.Second
	// DefaultAckTimeout bounds the inter-phase "OK" and raw-paste handshake reads.
	DefaultAckTimeout = 2 * time.Second
	// DefaultExecuteTimeout is the caller-overridable deadline for a single execute.
	DefaultExecuteTimeout = 30 * time.Second

	// DefaultFastPoll is the read-availability poll interval used while a
	// response is actively arriving.
	DefaultFastPoll = 10 * time.Millisecond
	// DefaultSteadyPoll is the poll interval once a read has gone idle for a
	// while; AdaptivePoll backs off from FastPoll towards this value.
	DefaultSteadyPoll = 100 * time.Millisecond

	// DefaultMaxCodeSize is the Input Validator's default fragment size cap.
	DefaultMaxCodeSize = 50000
	// DefaultHistoryCapacity is the Command History Buffer's default size.
	DefaultHistoryCapacity = 1000

	// DefaultReconnectMaxAttempts, DefaultReconnectBaseDelay, and
	// DefaultReconnectMaxDelay are the Reconnection Policy defaults.
	DefaultReconnectMaxAttempts = 5
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
)

// ReconnectPolicy controls the Session Orchestrator's recovery behavior
// after a transport-level failure. Immutable once a Config is built.
type ReconnectPolicy struct {
	Enabled     bool
	MaxAttempts int
	BaseDelay   time.Duration
	Exponential bool
	MaxDelay    time.Duration
}

func defaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:     true,
		MaxAttempts: DefaultReconnectMaxAttempts,
		BaseDelay:   DefaultReconnectBaseDelay,
		Exponential: true,
		MaxDelay:    DefaultReconnectMaxDelay,
	}
}

// Delay returns the backoff before reconnect attempt k (1-based), per
// SPEC_FULL.md §5: delay(k) = min(base*2^(k-1), cap) when exponential, else base.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if !p.Exponential {
		return p.BaseDelay
	}
	d := p.BaseDelay
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Option configures a Session at construction time.
type Option func(*Config)

// Config holds every tunable named in SPEC_FULL.md §3/§6/§8. Build one
// through functional options only; never loaded from a file or environment
// inside this module (configuration loading is an external collaborator).
type Config struct {
	logger  Logger
	metrics Metrics

	settleDelay    time.Duration
	initTimeout    time.Duration
	ackTimeout     time.Duration
	executeTimeout time.Duration

	fastPoll   time.Duration
	steadyPoll time.Duration

	maxCodeSize     int
	historyCapacity int

	reconnect ReconnectPolicy

	validatorPolicy ValidationPolicy

	serial     SerialOptions
	subprocess SubprocessOptions
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.maxCodeSize <= 0 {
		return ErrInvalidConfig
	}
	if c.historyCapacity < 0 {
		return ErrInvalidConfig
	}
	if c.reconnect.MaxAttempts < 0 {
		return ErrInvalidConfig
	}
	if c.executeTimeout <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// defaultConfig returns a Config populated with every default in SPEC_FULL.md.
func defaultConfig() *Config {
	return &Config{
		logger:          defaultLogger,
		metrics:         NewDefaultMetrics(),
		settleDelay:     DefaultSettleDelay,
		initTimeout:     DefaultInitTimeout,
		ackTimeout:      DefaultAckTimeout,
		executeTimeout:  DefaultExecuteTimeout,
		fastPoll:        DefaultFastPoll,
		steadyPoll:      DefaultSteadyPoll,
		maxCodeSize:     DefaultMaxCodeSize,
		historyCapacity: DefaultHistoryCapacity,
		reconnect:       defaultReconnectPolicy(),
		validatorPolicy: ProductionPolicy(),
		serial:          defaultSerialOptions(),
		subprocess:      defaultSubprocessOptions(),
	}
}

// applyConfig builds a runtime config by layering options on top of defaults.
func applyConfig(opts []Option) *Config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// WithLogger sets the logging collaborator. Defaults to a no-op.
func WithLogger(l Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets a custom metrics implementation.
func WithMetrics(m Metrics) Option {
	return func(c *Config) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithExecuteTimeout sets the default execution deadline used when a caller
// does not supply one to Execute.
func WithExecuteTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.executeTimeout = d
		}
	}
}

// WithInitTimeout sets the deadline for entering Raw mode during initialization.
func WithInitTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.initTimeout = d
		}
	}
}

// WithAckTimeout sets the deadline for inter-phase acknowledgements ("OK", raw-paste handshake).
func WithAckTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ackTimeout = d
		}
	}
}

// WithSettleDelay sets how long the engine waits after opening the transport
// before draining and interrupting.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.settleDelay = d
		}
	}
}

// WithPoll sets the fast (active) and steady (idle) read-availability poll intervals.
func WithPoll(fast, steady time.Duration) Option {
	return func(c *Config) {
		if fast > 0 {
			c.fastPoll = fast
		}
		if steady > 0 {
			c.steadyPoll = steady
		}
	}
}

// WithMaxCodeSize overrides the Input Validator's fragment size cap. It is
// written into the validation policy in effect when the option is applied, so
// a WithValidationPolicy listed after it replaces the cap again.
func WithMaxCodeSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.maxCodeSize = n
			c.validatorPolicy.MaxCodeSize = n
		}
	}
}

// WithHistoryCapacity overrides the command history buffer's bound.
func WithHistoryCapacity(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.historyCapacity = n
		}
	}
}

// WithReconnectPolicy replaces the reconnection policy wholesale.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(c *Config) {
		c.reconnect = p
	}
}

// WithValidationPolicy selects one of the presets (or a custom policy) for the Input Validator.
func WithValidationPolicy(p ValidationPolicy) Option {
	return func(c *Config) {
		c.validatorPolicy = p
	}
}

// WithSerialOptions overrides the serial transport's baud/parity/stopbits/timeouts.
func WithSerialOptions(o SerialOptions) Option {
	return func(c *Config) {
		c.serial = o
	}
}

// WithSubprocessOptions overrides the subprocess transport's extra args/env/dir.
func WithSubprocessOptions(o SubprocessOptions) Option {
	return func(c *Config) {
		c.subprocess = o
	}
}
