// Package summarizer wraps a summarization Service with a per-run cache,
// bounded retries, rate limiting and a circuit breaker.
package summarizer

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/pep299/daily-digest/internal/excerpt"
	"github.com/pep299/daily-digest/internal/model"
)

// Config bounds a Client.
type Config struct {
	MaxInputChars    int
	MaxOutputTokens  int
	MaxAttempts      int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	Concurrency      int
	RatePerSecond    float64
	Burst            int
	BreakerThreshold int
	BreakerCooldown  time.Duration
	CallTimeout      time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxInputChars:    4000,
		MaxOutputTokens:  256,
		MaxAttempts:      3,
		BaseBackoff:      time.Second,
		MaxBackoff:       20 * time.Second,
		Concurrency:      3,
		RatePerSecond:    2,
		Burst:            1,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
		CallTimeout:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxInputChars <= 0 {
		c.MaxInputChars = d.MaxInputChars
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = d.MaxOutputTokens
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}

type cacheEntry struct {
	result model.SummaryResult
	err    error
}

// Client summarizes items for one run. Create a new Client per run: the
// cache and the breaker state are run-scoped.
type Client struct {
	svc     Service
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cacheEntry

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

// New creates a Client over svc.
func New(svc Service, cfg Config, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	c := &Client{
		svc:     svc,
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		cache:   make(map[string]cacheEntry),
		sleep:   sleepContext,
		jitter:  halfJitter,
	}
	threshold := uint32(cfg.BreakerThreshold)
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        svc.Name(),
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("summarization circuit changed state", "service", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// Summarize returns the cached result for the item's fingerprint or calls
// the service. A failed result has Status failed and a non-nil error that is
// a *model.SummarizationError or *model.CircuitOpenError.
func (c *Client) Summarize(ctx context.Context, item model.Item) (model.SummaryResult, error) {
	if e, ok := c.lookup(item.Fingerprint); ok {
		return e.result, e.err
	}

	v, _, _ := c.group.Do(item.Fingerprint, func() (interface{}, error) {
		if e, ok := c.lookup(item.Fingerprint); ok {
			return e, nil
		}
		res, err := c.summarize(ctx, item)
		e := cacheEntry{result: res, err: err}
		if ctx.Err() == nil {
			c.mu.Lock()
			c.cache[item.Fingerprint] = e
			c.mu.Unlock()
		}
		return e, nil
	})
	e := v.(cacheEntry)
	return e.result, e.err
}

// SummarizeAll summarizes items with at most Concurrency calls in flight.
// Every item gets a result; failed ones carry Status failed.
func (c *Client) SummarizeAll(ctx context.Context, items []model.Item) map[string]model.SummaryResult {
	var (
		mu      sync.Mutex
		results = make(map[string]model.SummaryResult, len(items))
		g       errgroup.Group
	)
	g.SetLimit(c.cfg.Concurrency)

	for _, item := range items {
		item := item
		g.Go(func() error {
			res, err := c.Summarize(ctx, item)
			if err != nil {
				c.logger.Warn("summarization failed", "fingerprint", item.Fingerprint, "title", item.Title, "error", err)
			}
			mu.Lock()
			results[item.Fingerprint] = res
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

func (c *Client) lookup(fingerprint string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[fingerprint]
	return e, ok
}

func (c *Client) summarize(ctx context.Context, item model.Item) (model.SummaryResult, error) {
	res := model.SummaryResult{Fingerprint: item.Fingerprint, Status: model.SummaryFailed}

	text := excerpt.ForPrompt(item, c.cfg.MaxInputChars)
	if strings.TrimSpace(text) == "" {
		err := &model.SummarizationError{
			Fingerprint: item.Fingerprint,
			Err:         &ServiceError{Kind: InvalidInput, Err: errors.New("item has no text to summarize")},
		}
		res.Error = err.Error()
		return res, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		summary, called, err := c.call(ctx, text)
		if called {
			res.Attempts++
		}
		if err == nil {
			res.SummaryText = strings.TrimSpace(summary)
			res.Status = model.SummaryOK
			return res, nil
		}

		var open *model.CircuitOpenError
		if errors.As(err, &open) {
			res.Error = err.Error()
			return res, err
		}

		lastErr = err
		if ctx.Err() != nil || !Transient(err) || attempt == c.cfg.MaxAttempts {
			break
		}
		if err := c.sleep(ctx, c.backoff(attempt, err)); err != nil {
			lastErr = err
			break
		}
	}

	serr := &model.SummarizationError{Fingerprint: item.Fingerprint, Attempts: res.Attempts, Err: lastErr}
	res.Error = serr.Error()
	return res, serr
}

// call runs one request through the breaker. Invalid input and caller
// cancellation are not held against the service.
func (c *Client) call(ctx context.Context, text string) (string, bool, error) {
	called := false
	var ignored error

	out, err := c.breaker.Execute(func() (interface{}, error) {
		called = true
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()

		summary, err := c.svc.Summarize(callCtx, text, c.cfg.MaxOutputTokens)
		if err != nil && (KindOf(err) == InvalidInput || ctx.Err() != nil) {
			ignored = err
			return "", nil
		}
		return summary, err
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "", false, &model.CircuitOpenError{Service: c.svc.Name(), Err: err}
	case err != nil:
		return "", called, err
	case ignored != nil:
		return "", called, ignored
	}
	return out.(string), called, nil
}

// backoff is BaseBackoff doubled per attempt, capped, with jitter; a larger
// server-requested delay wins.
func (c *Client) backoff(attempt int, err error) time.Duration {
	d := c.cfg.BaseBackoff
	for i := 1; i < attempt && d < c.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	d = c.jitter(d)

	var serr *ServiceError
	if errors.As(err, &serr) && serr.RetryAfter > d {
		d = serr.RetryAfter
	}
	return d
}

func halfJitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
