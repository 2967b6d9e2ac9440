// Package txn runs multi-step database workflows on one connection and
// one transaction, retrying transient lock failures.
package txn

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"pigeon/internal/database"
	"pigeon/pkg/interfaces"
)

// Result is what a step hands to the next one
type Result []any

// Step is one stage of a pipeline. It receives the result of the previous
// step and reads or writes the shared data bag through tc.
type Step func(ctx context.Context, tc *Context, prev Result) (Result, error)

// Policy bounds the retries of transient failures
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns three attempts with capped exponential backoff
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   20 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
	}
}

// backoff returns the pause after the given failed attempt, with jitter
func (p Policy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay << (attempt - 1)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	return d/2 + rand.N(d/2+1)
}

// Orchestrator runs pipelines against a connection pool
type Orchestrator struct {
	pool      interfaces.Pool
	policy    Policy
	transient func(error) bool
	log       *slog.Logger
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithPolicy replaces the retry policy
func WithPolicy(p Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithClassifier replaces the transient error test
func WithClassifier(f func(error) bool) Option {
	return func(o *Orchestrator) { o.transient = f }
}

// New creates an orchestrator over pool
func New(pool interfaces.Pool, log *slog.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		pool:      pool,
		policy:    DefaultPolicy(),
		transient: database.IsTransient,
		log:       log,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.policy.MaxAttempts < 1 {
		o.policy.MaxAttempts = 1
	}
	return o
}

type runConfig struct {
	borrowed   *Context
	compensate func(error)
	data       map[string]any
}

// RunOption configures one pipeline run
type RunOption func(*runConfig)

// WithTx runs the pipeline inside the caller's context. The run then only
// sequences steps: commit, rollback, release and retry stay with the
// invocation that opened tc.
func WithTx(tc *Context) RunOption {
	return func(c *runConfig) { c.borrowed = tc }
}

// WithCompensation registers a hook that undoes speculative side effects
// made outside the transaction. It runs once, after the final failed
// attempt and its rollback.
func WithCompensation(f func(error)) RunOption {
	return func(c *runConfig) { c.compensate = f }
}

// WithData seeds the data bag of every attempt
func WithData(data map[string]any) RunOption {
	return func(c *runConfig) { c.data = data }
}

// Atomic runs a single step in its own transaction
func (o *Orchestrator) Atomic(ctx context.Context, step Step, opts ...RunOption) (Result, error) {
	cfg := newRunConfig(opts)
	cfg.borrowed = nil
	return o.run(ctx, []Step{step}, cfg)
}

// Transactional runs steps in order in one transaction it owns
func (o *Orchestrator) Transactional(ctx context.Context, steps []Step, opts ...RunOption) (Result, error) {
	cfg := newRunConfig(opts)
	cfg.borrowed = nil
	return o.run(ctx, steps, cfg)
}

// Composable runs steps like Transactional, or inside the context given
// with WithTx
func (o *Orchestrator) Composable(ctx context.Context, steps []Step, opts ...RunOption) (Result, error) {
	return o.run(ctx, steps, newRunConfig(opts))
}

func newRunConfig(opts []RunOption) *runConfig {
	cfg := &runConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (o *Orchestrator) run(ctx context.Context, steps []Step, cfg *runConfig) (Result, error) {
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}

	if tc := cfg.borrowed; tc != nil {
		for k, v := range cfg.data {
			tc.Set(k, v)
		}
		if cfg.compensate != nil {
			tc.compensate(cfg.compensate)
		}
		return runSteps(ctx, tc, steps)
	}

	// last is the newest attempt that got a connection; its nested
	// compensations are the ones to run when the pipeline gives up
	var last *Context
	for attempt := 1; ; attempt++ {
		tc, res, err := o.attempt(ctx, steps, cfg)
		if tc != nil {
			last = tc
		}
		if err == nil {
			if attempt > 1 {
				o.log.Debug("Pipeline succeeded after retry", "attempts", attempt)
			}
			return res, nil
		}

		retry := attempt < o.policy.MaxAttempts && o.transient(err) && ctx.Err() == nil
		if retry {
			delay := o.policy.backoff(attempt)
			o.log.Warn("Transient database failure, retrying",
				"attempt", attempt, "delay", delay, "error", err)
			retry = sleep(ctx, delay)
		}
		if !retry {
			if last != nil {
				last.runCompensations(err)
			}
			if cfg.compensate != nil {
				cfg.compensate(err)
			}
			return nil, err
		}
	}
}

// attempt runs steps once on a fresh connection. The connection is released
// exactly once and exactly one of commit or rollback is issued once the
// transaction began.
func (o *Orchestrator) attempt(ctx context.Context, steps []Step, cfg *runConfig) (tc *Context, res Result, err error) {
	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer func() {
		if rerr := conn.Release(); rerr != nil {
			o.log.Error("Failed to release connection", "error", rerr)
		}
	}()

	tc = newContext(conn, cfg.data, o.log)
	if err := conn.Begin(ctx); err != nil {
		tc.abort()
		return tc, nil, err
	}

	res, err = runSteps(ctx, tc, steps)
	if err != nil {
		if rerr := conn.Rollback(); rerr != nil {
			o.log.Error("Rollback failed", "error", rerr, "cause", err)
		}
		tc.abort()
		return tc, nil, err
	}

	if err := conn.Commit(); err != nil {
		tc.abort()
		return tc, nil, err
	}
	tc.commit()
	return tc, res, nil
}

// runSteps feeds each step the result of the previous one and stops at the
// first error. A panic becomes a *PanicError.
func runSteps(ctx context.Context, tc *Context, steps []Step) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if res, err = step(ctx, tc, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
