package scanning

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ClientConfig bounds the retry loop of a Client.
type ClientConfig struct {
	MaxAttempts int
	CallTimeout time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// RateLimit is the number of calls per second across all goroutines
	// sharing the Client. Zero means unlimited.
	RateLimit float64
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxAttempts: 4,
		CallTimeout: 60 * time.Second,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Client wraps a Provider with timeouts, retries and response parsing. It is
// safe for concurrent use.
type Client struct {
	provider Provider
	cfg      ClientConfig
	limiter  *rate.Limiter
	logger   *slog.Logger

	sleep  func(context.Context, time.Duration) error
	jitter func() float64
}

// NewClient creates a Client. Zero config values fall back to DefaultClientConfig.
func NewClient(provider Provider, cfg ClientConfig, logger *slog.Logger) *Client {
	def := DefaultClientConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(def.MaxDelay, cfg.BaseDelay)
	}
	if logger == nil {
		logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &Client{
		provider: provider,
		cfg:      cfg,
		limiter:  limiter,
		logger:   logger,
		sleep:    sleepContext,
		jitter:   rand.Float64,
	}
}

// Extract sends req and parses the answer. Transient failures are retried
// with jittered exponential backoff up to MaxAttempts; everything else
// returns on the first failure.
func (c *Client) Extract(ctx context.Context, req *Request) ([]Transaction, error) {
	requestID := uuid.NewString()
	log := c.logger.With(
		"request_id", requestID,
		"provider", c.provider.Name(),
		"source", req.Source,
	)

	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.fail(log, &Error{Kind: KindTransient, Attempts: attempt - 1, Err: contextErr(ctx, err)})
		}

		log.Debug("extract.attempt", "attempt", attempt)
		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		text, err := c.provider.Complete(callCtx, req)
		cancel()
		elapsed := time.Since(start).Milliseconds()

		if err == nil {
			rows, perr := ParseTransactions(text, req.Schema)
			if perr != nil {
				serr := asError(perr)
				serr.Attempts = attempt
				return nil, c.fail(log, serr)
			}
			log.Info("extract.ok", "attempt", attempt, "elapsed_ms", elapsed, "rows", len(rows))
			return rows, nil
		}

		serr := classify(ctx, err)
		serr.Attempts = attempt
		if serr.Kind != KindTransient || attempt >= c.cfg.MaxAttempts || ctx.Err() != nil {
			return nil, c.fail(log, serr)
		}

		delay := c.backoff(attempt)
		log.Warn("extract.retry",
			"attempt", attempt,
			"elapsed_ms", elapsed,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, c.fail(log, &Error{Kind: KindTransient, Attempts: attempt, Err: contextErr(ctx, err)})
		}
	}
}

func (c *Client) fail(log *slog.Logger, err *Error) error {
	log.Error("extract.failed", "attempts", err.Attempts, "kind", err.Kind.String(), "error", err.Err)
	return err
}

// backoff returns the delay before the next attempt: half of the capped
// exponential step plus up to another half of jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BaseDelay << (attempt - 1)
	if d > c.cfg.MaxDelay || d <= 0 {
		d = c.cfg.MaxDelay
	}
	half := d / 2
	return half + time.Duration(float64(half)*c.jitter())
}

// classify turns a provider error into an *Error. Errors the provider did
// not classify are treated as transient.
func classify(ctx context.Context, err error) *Error {
	if ctx.Err() != nil {
		return &Error{Kind: KindTransient, Err: contextErr(ctx, err)}
	}
	var serr *Error
	if errors.As(err, &serr) {
		cp := *serr
		return &cp
	}
	// Timeouts, connection resets and anything unrecognized.
	return &Error{Kind: KindTransient, Err: err}
}

func asError(err error) *Error {
	var serr *Error
	if errors.As(err, &serr) {
		return serr
	}
	return &Error{Kind: KindSchema, Err: err}
}

// contextErr prefers the caller's context error so cancellation stays
// detectable with errors.Is.
func contextErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
