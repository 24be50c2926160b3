package se

import (
	"github.com/gregLibert/ese-hal/pkg/iso7816"
	"github.com/gregLibert/ese-hal/pkg/logger"
)

// StateListener is told when the secure element becomes usable or unusable.
type StateListener func(ready bool, reason string)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithGate installs the dedicated mode policy. The default allows everything.
func WithGate(g Gate) Option {
	return func(e *Engine) {
		if g != nil {
			e.gate = g
		}
	}
}

// WithMetrics makes the engine update m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStateListener sets the listener notified by Init and Reset.
func WithStateListener(l StateListener) Option {
	return func(e *Engine) { e.listener = l }
}

// WithExchangeObserver makes the engine pass every chained exchange (SELECT, MANAGE CHANNEL) to
// fn, including the ones that failed part way. fn runs with the engine lock held.
func WithExchangeObserver(fn func(iso7816.Trace)) Option {
	return func(e *Engine) { e.observer = fn }
}

// WithMaxChainLength caps the number of GET RESPONSE commands per exchange.
func WithMaxChainLength(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxChain = n
		}
	}
}

// WithOSVersion overrides the version reported by the transport when sizing the channel table.
func WithOSVersion(v OSVersion) Option {
	return func(e *Engine) { e.osVersion = &v }
}

func defaultOptions(e *Engine) {
	e.log = logger.Nop()
	e.gate = AllowAll
	e.maxChain = iso7816.DefaultMaxChainLength
}
