// Package client is a process-supervised RPC client for the Guerillaglass
// native engine.
//
// A Client keeps one engine child process alive, multiplexes concurrent
// calls over its stdin and stdout, enforces per-method timeouts, and
// restarts the engine after crashes with backoff, jitter, and a circuit
// breaker. Calls are never retried automatically.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guerillaglass/glassengine/pkg/protocol"
	"github.com/guerillaglass/glassengine/pkg/telemetry"
)

// writeFailureGrace is how long a call whose request could not be written
// waits for the exit sweep before failing on its own.
const writeFailureGrace = time.Second

// Client is an engine RPC client. It is safe for concurrent use.
type Client struct {
	path   string
	cfg    Config
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
	corr   *correlator
	sup    *supervisor
	guard  CallGuard
}

// CallGuard decides whether a call may be sent. Check returns a non-nil
// error to reject it; the call then fails with FailureDenied and never
// reaches the engine.
type CallGuard interface {
	Check(ctx context.Context, method string, params json.RawMessage) error
}

// Option configures a Client.
type Option func(*Client)

// WithTelemetry sets the telemetry bundle used for logs, metrics, traces,
// and lifecycle events.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *Client) {
		if tel != nil {
			c.tel = tel
		}
	}
}

// WithLogger overrides the logger taken from the telemetry bundle.
func WithLogger(logger *telemetry.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCallGuard installs a guard consulted before every call.
func WithCallGuard(g CallGuard) Option {
	return func(c *Client) {
		c.guard = g
	}
}

// New creates a client for the engine executable at enginePath. No process
// is started until the first call or Start.
func New(enginePath string, cfg Config, opts ...Option) (*Client, error) {
	if enginePath == "" {
		return nil, fmt.Errorf("engine path is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	c := &Client{
		path: enginePath,
		cfg:  cfg.clone(),
		tel:  telemetry.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = c.tel.Logger
	}
	c.logger = c.logger.NewComponentLogger("engine-client")

	c.corr = newCorrelator(c.tel.Metrics.SetPendingCalls)
	c.sup = newSupervisor(enginePath, c.cfg, c.corr, c.tel, c.logger)

	return c, nil
}

// Start spawns the engine eagerly. It is a no-op when a process is running.
func (c *Client) Start(ctx context.Context) error {
	_, err := c.sup.acquire(ctx, "")
	return err
}

// Call sends method with params and waits for the result. params must
// marshal to a JSON object; nil sends {}.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if method == "" {
		return nil, fmt.Errorf("method is required")
	}
	raw, err := protocol.MarshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("invalid params for %s: %w", method, err)
	}

	ctx, span := c.tel.Tracer.StartCallSpan(ctx, method)
	defer span.End()

	timer := telemetry.NewTimer()
	result, gen, err := c.call(ctx, method, raw)
	c.observe(method, gen, timer.Duration(), err)

	if err != nil {
		if f, ok := AsFailure(err); ok {
			span.SetAttributes(telemetry.AttrFailureKind.String(string(f.Kind)))
			if f.Code != "" {
				span.SetAttributes(telemetry.AttrErrorCode.String(string(f.Code)))
			}
		}
		telemetry.RecordError(span, err)
		return nil, err
	}

	telemetry.RecordSuccess(span)
	return result, nil
}

// CallInto calls method and decodes the result into target.
func (c *Client) CallInto(ctx context.Context, method string, params any, target any) error {
	result, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(result, target); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if c.guard != nil {
		if err := c.guard.Check(ctx, method, params); err != nil {
			return nil, 0, newDeniedFailure(method, err)
		}
	}

	g, err := c.sup.acquire(ctx, method)
	if err != nil {
		return nil, 0, err
	}

	timeout, hasTimeout := c.cfg.TimeoutFor(method)
	p := c.corr.register(method, g.number, timeout, hasTimeout)

	telemetry.SetAttributes(telemetry.SpanFromContext(ctx),
		telemetry.AttrRequestID.String(p.id),
		telemetry.AttrGeneration.Int64(int64(g.number)),
	)

	// Registered before these checks, so a concurrent stop or exit sweep
	// either sees the entry or this call sees the flag.
	switch {
	case c.sup.stopped.Load():
		c.corr.settle(p.id, outcome{err: newStoppedFailure(method)})
	case g.closed.Load():
		c.corr.settle(p.id, outcome{err: newProcessExitFailure(method, nil)})
	default:
		req := &protocol.Request{ID: p.id, Method: method, Params: params}
		if err := g.encoder.Encode(req); err != nil {
			c.logger.WithGeneration(g.number).WithMethod(method).WithError(err).Debug("engine write failed")
			go c.failAfterExit(g, p.id, method, err)
		}
	}

	select {
	case out := <-p.done:
		return out.result, g.number, out.err
	case <-ctx.Done():
		c.corr.settle(p.id, outcome{err: ctx.Err()})
		out := <-p.done
		return out.result, g.number, out.err
	}
}

// failAfterExit settles a call whose request never reached the engine. A
// broken pipe almost always means the process is exiting, so the exit sweep
// gets a chance to settle it first.
func (c *Client) failAfterExit(g *generation, id, method string, writeErr error) {
	t := time.NewTimer(writeFailureGrace)
	defer t.Stop()

	select {
	case <-g.done:
	case <-t.C:
	}
	c.corr.settle(id, outcome{err: newProcessExitFailure(method, writeErr)})
}

func (c *Client) observe(method string, gen uint64, d time.Duration, err error) {
	logger := c.logger.WithMethod(method)
	if gen > 0 {
		logger = logger.WithGeneration(gen)
	}

	if err == nil {
		c.tel.Metrics.RecordCall(method, telemetry.OutcomeOK, d)
		logger.WithField("duration", d.String()).Trace("engine call completed")
		return
	}

	f, ok := AsFailure(err)
	if !ok {
		outcome := telemetry.OutcomeCanceled
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			outcome = telemetry.OutcomeWrite
		}
		c.tel.Metrics.RecordCall(method, outcome, d)
		logger.WithError(err).Debug("engine call abandoned")
		return
	}

	c.tel.Metrics.RecordCall(method, f.outcome(), d)
	if f.Kind == FailureProtocol {
		c.tel.Metrics.RecordProtocolError(string(f.Code))
		logger.WithFields(map[string]interface{}{
			"code":    f.Code,
			"message": f.Message,
		}).Debug("engine returned an error")
		return
	}

	logger.WithField("kind", f.Kind).WithError(err).Warn("engine call failed")
	_ = c.tel.Events.PublishCallFailed(gen, method, string(f.Kind), f.Message)
}

// Stop fails every pending call, closes the engine's stdin, and kills it if
// it has not exited within the grace period or before ctx is done. Further
// calls fail with a stopped failure. Stop is idempotent.
func (c *Client) Stop(ctx context.Context) error {
	return c.sup.stop(ctx)
}

// Status returns a snapshot of the supervisor state.
func (c *Client) Status() Status {
	st := c.sup.status()
	st.Pending = c.corr.count()
	return st
}

// EnginePath returns the executable this client spawns.
func (c *Client) EnginePath() string {
	return c.path
}

// Config returns a copy of the client's configuration.
func (c *Client) Config() Config {
	return c.cfg.clone()
}
