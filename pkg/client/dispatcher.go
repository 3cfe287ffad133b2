package client

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

const (
	maxJitter       = 0.2
	rateLimitFactor = 4
)

// retryPolicy doubles the delay per retry and adds 0-20% jitter. A
// rate-limited failure stretches the next delay by rateLimitFactor.
type retryPolicy struct {
	base      time.Duration
	jitter    func() float64
	n         int
	throttled bool
}

func (p *retryPolicy) NextBackOff() time.Duration {
	d := float64(p.base) * math.Pow(2, float64(p.n))
	p.n++
	d *= 1 + p.jitter()*maxJitter
	if p.throttled {
		d *= rateLimitFactor
	}
	return time.Duration(d)
}

func (p *retryPolicy) Reset() {
	p.n = 0
	p.throttled = false
}

// Dispatcher runs calls through the configured transport inside a bounded
// retry loop.
type Dispatcher struct {
	transport   string
	key         ConnKey
	maxAttempts int
	baseDelay   time.Duration
	callTimeout time.Duration

	conns   *ConnectionCache
	rest    Transport
	metrics *callMetrics
	log     logr.Logger

	// timer and jitter are replaced in tests.
	timer  backoff.Timer
	jitter func() float64
}

func newDispatcher(cfg Config, conns *ConnectionCache, rest Transport, metrics *callMetrics) *Dispatcher {
	return &Dispatcher{
		transport:   cfg.Transport,
		key:         cfg.key(),
		maxAttempts: max(cfg.MaxAttempts, 1),
		baseDelay:   cfg.BaseDelay,
		callTimeout: cfg.CallTimeout,
		conns:       conns,
		rest:        rest,
		metrics:     metrics,
		log:         cfg.Logger,
		jitter:      rand.Float64,
	}
}

// Call issues req, retrying transient and rate-limited failures. Fatal
// classes return after the attempt that produced them.
func (d *Dispatcher) Call(ctx context.Context, req *Request, result any) error {
	policy := &retryPolicy{base: d.baseDelay, jitter: d.jitter}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.maxAttempts-1)), ctx)

	attempt := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		start := time.Now()
		transport, err := d.attempt(ctx, req, result)
		elapsed := time.Since(start)
		class := Classify(err)

		d.log.V(logLevelDebug).Info("TrueNAS call attempt",
			"method", req.Method,
			"attempt", attempt,
			"maxAttempts", d.maxAttempts,
			"transport", transport,
			"elapsed", elapsed,
			"class", class.String())
		d.metrics.attempt(req.Method, transport, class, elapsed)

		if err == nil {
			return nil
		}
		if !class.Retryable() {
			return backoff.Permanent(err)
		}
		policy.throttled = class == ClassRateLimited
		return err
	}

	notify := func(err error, delay time.Duration) {
		class := Classify(err)
		d.metrics.retry(req.Method, class)
		d.log.V(logLevelInfo).Info("Retrying TrueNAS call", "method", req.Method, "attempt", attempt, "delay", delay, "class", class.String(), "error", err)
	}

	return backoff.RetryNotifyWithTimer(operation, b, notify, d.timer)
}

// attempt performs one try and reports which transport answered last.
func (d *Dispatcher) attempt(ctx context.Context, req *Request, result any) (string, error) {
	if d.transport == TransportREST {
		return TransportREST, d.callREST(ctx, req, result)
	}

	err := d.callWS(ctx, req, result)
	if err == nil {
		return TransportWS, nil
	}
	if req.REST == nil || !isTransportFailure(err) || ctx.Err() != nil {
		return TransportWS, err
	}

	d.log.V(logLevelInfo).Info("WebSocket call failed, falling back to REST", "method", req.Method, "error", err)
	d.metrics.fallback(req.Method)
	return TransportREST, d.callREST(ctx, req, result)
}

func (d *Dispatcher) callWS(ctx context.Context, req *Request, result any) error {
	ctx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	conn, err := d.conns.Get(ctx, d.key)
	if err != nil {
		return err
	}
	err = conn.Call(ctx, req, result)
	if err != nil && conn.Broken() {
		d.conns.Evict(d.key, conn)
	}
	return err
}

func (d *Dispatcher) callREST(ctx context.Context, req *Request, result any) error {
	ctx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	return d.rest.Call(ctx, req, result)
}
