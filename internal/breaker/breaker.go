// Package breaker guards the WhatsApp gateway with a circuit breaker so a
// dead vendor endpoint fails fast instead of eating the dispatch cycle one
// timeout at a time.
package breaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of the breaker.
//
//	Closed -> Open:      failure count reaches the threshold
//	Open -> HalfOpen:    recovery timeout expires
//	HalfOpen -> Closed:  probe succeeds
//	HalfOpen -> Open:    probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned while the circuit is rejecting calls. The dispatcher
// treats it as a transient failure, so affected messages retry later.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds breaker tuning.
type Config struct {
	// Name identifies the protected endpoint in logs.
	Name string

	// MaxFailures is the consecutive-failure threshold that opens the circuit.
	MaxFailures int

	// RecoveryTimeout is the cool-down before a probe is allowed through.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns the tuning used for gateway endpoints.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		MaxFailures:     5,
		RecoveryTimeout: 30 * time.Second,
	}
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger

	state           State
	failureCount    int
	lastFailureTime time.Time
	probing         bool
}

// New creates a Breaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}

	return &Breaker{
		config: cfg,
		logger: logger,
		state:  StateClosed,
	}
}

// Allow reports whether a call may proceed. In the open state one probe is
// let through once the recovery timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.config.RecoveryTimeout {
			b.state = StateHalfOpen
			b.probing = true
			b.logger.Info("circuit breaker allowing probe",
				zap.String("name", b.config.Name),
			)
			return true
		}
		return false

	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess marks a call as successful. A successful probe closes the
// circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
		b.logger.Info("circuit breaker closed, endpoint recovered",
			zap.String("name", b.config.Name),
		)
	}
}

// RecordFailure marks a call as failed. The circuit opens after MaxFailures
// consecutive failures, and a failed probe re-opens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.MaxFailures {
			b.state = StateOpen
			b.logger.Warn("circuit breaker opened",
				zap.String("name", b.config.Name),
				zap.Int("failures", b.failureCount),
			)
		}

	case StateHalfOpen:
		b.state = StateOpen
		b.probing = false
		b.logger.Warn("circuit breaker re-opened, probe failed",
			zap.String("name", b.config.Name),
		)
	}
}

// CurrentState returns the breaker state.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
