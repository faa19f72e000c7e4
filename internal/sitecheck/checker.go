package sitecheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CheckerConfig holds probe defaults.
type CheckerConfig struct {
	Timeout    time.Duration // default 10s
	RatePerSec float64       // default 5, shared by all sites
	Burst      int           // default 1
	UserAgent  string
}

func (c CheckerConfig) withDefaults() CheckerConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = "sitechecker/1"
	}
	return c
}

// Checker probes sites over HTTP.
type Checker struct {
	client  *http.Client
	limiter *rate.Limiter

	mu  sync.RWMutex
	cfg CheckerConfig
	now func() time.Time
}

// NewChecker returns a checker. A nil client uses a client that does not
// follow redirects, so a 3xx response is classified as is.
func NewChecker(cfg CheckerConfig, client *http.Client) *Checker {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	return &Checker{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Apply updates the defaults and the shared rate limit.
func (c *Checker) Apply(cfg CheckerConfig) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	c.limiter.SetBurst(cfg.Burst)
}

// Check probes s once. Network errors, the site's own timeout and unexpected
// statuses produce a "down" result. When ctx ends first, or the rate limiter
// cannot admit the probe before ctx's deadline, the result is "aborted".
func (c *Checker) Check(ctx context.Context, s Site) Result {
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()

	res := Result{Site: s.Name, URL: s.URL, State: StateDown, At: c.now()}
	if err := c.limiter.Wait(ctx); err != nil {
		res.State = StateAborted
		res.Error = fmt.Sprintf("rate limit: %v", err)
		return res
	}
	parent := ctx

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(strings.TrimSpace(s.Method))
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, s.URL, http.NoBody)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	req.Header.Set("User-Agent", cfg.UserAgent)

	start := time.Now()
	resp, err := c.client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		if parent.Err() != nil {
			res.State = StateAborted
			res.Error = parent.Err().Error()
			return res
		}
		res.Error = errorText(err)
		return res
	}
	// Drain a little so the connection can be reused.
	_, _ = io.CopyN(io.Discard, resp.Body, 64<<10)
	_ = resp.Body.Close()

	res.Status = resp.StatusCode
	if expected(s.ExpectStatus, resp.StatusCode) {
		res.State = StateUp
	} else {
		res.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return res
}

func expected(codes []int, status int) bool {
	if len(codes) == 0 {
		return status >= 200 && status < 400
	}
	for _, c := range codes {
		if c == status {
			return true
		}
	}
	return false
}

func errorText(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}
