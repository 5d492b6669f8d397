package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sovereign/internal/platform/metrics"
	dErrors "sovereign/pkg/domain-errors"
	"sovereign/pkg/platform/circuit"
	"sovereign/pkg/requestcontext"
)

const (
	DefaultCallTimeout = 10 * time.Second
	DefaultMaxAttempts = 3
	DefaultKeyTTL      = 24 * time.Hour
)

var errCircuitOpen = errors.New("circuit breaker open")

// Gateway guards every call to one upstream. A call runs under a per-attempt
// timeout, is retried with exponential backoff while the error is retryable,
// and is skipped entirely when its idempotency key already completed.
type Gateway struct {
	name        string
	idem        IdempotencyStore
	breaker     *circuit.Breaker
	callTimeout time.Duration
	maxAttempts int
	keyTTL      time.Duration
	newBackOff  func() backoff.BackOff
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type GatewayOption func(*Gateway)

func WithCallTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.callTimeout = d
		}
	}
}

func WithMaxAttempts(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

func WithKeyTTL(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.keyTTL = d
	}
}

// WithBackOff replaces the retry schedule; tests pass a zero backoff.
func WithBackOff(fn func() backoff.BackOff) GatewayOption {
	return func(g *Gateway) {
		g.newBackOff = fn
	}
}

func WithBreaker(b *circuit.Breaker) GatewayOption {
	return func(g *Gateway) {
		g.breaker = b
	}
}

func WithLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) GatewayOption {
	return func(g *Gateway) {
		g.metrics = m
	}
}

func NewGateway(name string, idem IdempotencyStore, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		name:        name,
		idem:        idem,
		callTimeout: DefaultCallTimeout,
		maxAttempts: DefaultMaxAttempts,
		keyTTL:      DefaultKeyTTL,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breaker == nil {
		g.breaker = circuit.New(name)
	}
	return g
}

func (g *Gateway) Name() string {
	return g.name
}

// Call runs fn at most once per completed key. A key that already completed
// returns the stored result without touching the upstream; a key that is in
// flight elsewhere is an Upstream error the caller may retry later.
func Call[T any](ctx context.Context, g *Gateway, operation, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	ctx, span := otel.Tracer("sovereign/upstream").Start(ctx, g.name+"."+operation,
		trace.WithAttributes(
			attribute.String("upstream", g.name),
			attribute.String("idempotency_key", key),
		))
	defer span.End()

	if key == "" {
		return zero, dErrors.New(dErrors.CodeInternal, "idempotency key is required")
	}

	if out, ok, err := replay[T](ctx, g, operation, key); err != nil || ok {
		return out, err
	}

	reserved, err := g.idem.Reserve(ctx, key, g.keyTTL)
	if err != nil {
		return zero, g.fail(ctx, span, operation, key, 0, err)
	}
	if !reserved {
		// lost the race; the winner may already have finished
		if out, ok, err := replay[T](ctx, g, operation, key); err != nil || ok {
			return out, err
		}
		return zero, dErrors.New(dErrors.CodeUpstream, operation+" is already in flight").
			WithDetails(g.details(operation, key, 0))
	}

	result, attempts, err := run(ctx, g, operation, fn)
	if err != nil {
		if rerr := g.idem.Release(context.WithoutCancel(ctx), key); rerr != nil {
			g.logger.ErrorContext(ctx, "failed to release idempotency key",
				"upstream", g.name,
				"idempotency_key", key,
				"error", rerr,
			)
		}
		return zero, g.fail(ctx, span, operation, key, attempts, err)
	}

	raw, err := json.Marshal(result)
	if err == nil {
		err = g.idem.Complete(context.WithoutCancel(ctx), key, raw, g.keyTTL)
	}
	if err != nil {
		// the upstream deduplicates on the same key, so a lost record costs a
		// repeated call, not a repeated effect
		g.logger.WarnContext(ctx, "failed to record idempotent result",
			"upstream", g.name,
			"operation", operation,
			"idempotency_key", key,
			"error", err,
		)
	}
	return result, nil
}

// Read runs a query under the same timeout, retry and breaker policy as Call
// but without an idempotency key, so every call observes fresh upstream state.
func Read[T any](ctx context.Context, g *Gateway, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	ctx, span := otel.Tracer("sovereign/upstream").Start(ctx, g.name+"."+operation,
		trace.WithAttributes(attribute.String("upstream", g.name)))
	defer span.End()

	result, attempts, err := run(ctx, g, operation, fn)
	if err != nil {
		return zero, g.fail(ctx, span, operation, "", attempts, err)
	}
	return result, nil
}

// run drives the attempts of one call and reports how many reached the upstream.
func run[T any](ctx context.Context, g *Gateway, operation string, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var (
		result   T
		attempts int
	)
	attempt := func() error {
		if !g.breaker.Allow() {
			return backoff.Permanent(errCircuitOpen)
		}
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		defer cancel()

		start := time.Now()
		out, err := fn(callCtx)
		if err != nil {
			g.metrics.ObserveUpstreamCall(g.name, operation, "failure", time.Since(start).Seconds())
			g.recordFailure(ctx)
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		g.metrics.ObserveUpstreamCall(g.name, operation, "success", time.Since(start).Seconds())
		g.recordSuccess(ctx)
		result = out
		return nil
	}

	schedule := backoff.WithContext(backoff.WithMaxRetries(g.newBackOff(), uint64(g.maxAttempts-1)), ctx)
	err := backoff.RetryNotify(attempt, schedule, func(err error, wait time.Duration) {
		g.logger.WarnContext(ctx, "upstream call failed, retrying",
			"upstream", g.name,
			"operation", operation,
			"attempt", attempts,
			"wait_ms", wait.Milliseconds(),
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	})
	return result, attempts, err
}

func replay[T any](ctx context.Context, g *Gateway, operation, key string) (T, bool, error) {
	var out T
	entry, err := g.idem.Lookup(ctx, key)
	if err != nil {
		return out, false, dErrors.Wrap(err, dErrors.CodeUpstream, "idempotency store unavailable").
			WithDetails(g.details(operation, key, 0))
	}
	switch entry.State {
	case EntryDone:
		if err := json.Unmarshal(entry.Result, &out); err != nil {
			return out, false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to decode stored upstream result")
		}
		g.logger.InfoContext(ctx, "upstream result replayed",
			"upstream", g.name,
			"operation", operation,
			"idempotency_key", key,
			"request_id", requestcontext.RequestID(ctx),
		)
		return out, true, nil
	case EntryInFlight:
		return out, false, dErrors.New(dErrors.CodeUpstream, operation+" is already in flight").
			WithDetails(g.details(operation, key, 0))
	}
	return out, false, nil
}

func (g *Gateway) fail(ctx context.Context, span trace.Span, operation, key string, attempts int, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	details := g.details(operation, key, attempts)
	var out error
	switch {
	case errors.Is(err, errCircuitOpen):
		out = dErrors.New(dErrors.CodeUpstream, g.name+" is unavailable").WithDetails(details)
	case ctx.Err() != nil:
		out = dErrors.Wrap(err, dErrors.CodeTimeout, operation+" did not complete in time").WithDetails(details)
	case !retryable(err):
		out = err
	default:
		out = dErrors.Wrap(err, dErrors.CodeUpstream, operation+" failed").WithDetails(details)
	}
	g.logger.WarnContext(ctx, "upstream call failed",
		"upstream", g.name,
		"operation", operation,
		"idempotency_key", key,
		"attempts", attempts,
		"error", err,
		"request_id", requestcontext.RequestID(ctx),
	)
	return out
}

func (g *Gateway) details(operation, key string, attempts int) map[string]any {
	return map[string]any{
		"upstream":        g.name,
		"operation":       operation,
		"idempotency_key": key,
		"attempts":        attempts,
	}
}

func (g *Gateway) recordFailure(ctx context.Context) {
	if _, change := g.breaker.RecordFailure(); change.Opened {
		g.metrics.SetBreakerOpen(g.name, true)
		g.logger.WarnContext(ctx, "circuit breaker opened", "upstream", g.name)
	}
}

func (g *Gateway) recordSuccess(ctx context.Context) {
	if _, change := g.breaker.RecordSuccess(); change.Closed {
		g.metrics.SetBreakerOpen(g.name, false)
		g.logger.InfoContext(ctx, "circuit breaker closed", "upstream", g.name)
	}
}

// retryable treats domain errors by their code and everything else (transport
// failures, 5xx, deadlines) as transient.
func retryable(err error) bool {
	if de, ok := dErrors.As(err); ok {
		return de.Code.Retryable()
	}
	return true
}
