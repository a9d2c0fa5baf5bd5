package jwkscache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/quipper/poc/lti/tool/pkg/common/metrics"
	"github.com/quipper/poc/lti/tool/pkg/common/telemetry"
)

// Cache provides JWKS retrieval with HTTP caching semantics.
type Cache interface {
	Get(ctx context.Context, url string) (jwk.Set, error)
	Invalidate(url string)
}

// ErrFetch marks failures to obtain a usable key set from the remote endpoint.
var ErrFetch = errors.New("jwkscache: fetch failed")

// entry stores a cached JWKS and metadata derived from HTTP caching headers.
type entry struct {
	set             jwk.Set
	expiry          time.Time
	allowStaleUntil time.Time
	etag            string
	lastModified    time.Time
}

// Options configures a cache. Zero values fall back to the defaults below.
type Options struct {
	// MaxTTL bounds how long a key set is trusted; Cache-Control may only shorten it. Default 1h.
	MaxTTL time.Duration
	// StaleGrace allows serving an expired set while the endpoint is failing. Default 10m.
	StaleGrace time.Duration
	// Timeout bounds each fetch when Client is nil. Default 5s.
	Timeout time.Duration
	Client  *http.Client
	Metrics *metrics.Metrics
}

type memoryCache struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	client     *http.Client
	maxTTL     time.Duration
	staleGrace time.Duration
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New creates a new in-memory JWKS cache.
func New(opts Options) Cache {
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = time.Hour
	}
	if opts.StaleGrace < 0 {
		opts.StaleGrace = 0
	} else if opts.StaleGrace == 0 {
		opts.StaleGrace = 10 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &memoryCache{
		entries:    make(map[string]*entry),
		client:     client,
		maxTTL:     opts.MaxTTL,
		staleGrace: opts.StaleGrace,
		metrics:    opts.Metrics,
		now:        time.Now,
	}
}

func (c *memoryCache) Invalidate(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, url)
}

func (c *memoryCache) Get(ctx context.Context, url string) (jwk.Set, error) {
	if set := c.getFresh(url); set != nil {
		c.metrics.JWKSFetch("hit")
		return set, nil
	}
	return c.fetch(ctx, url)
}

func (c *memoryCache) getFresh(url string) jwk.Set {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[url]; ok {
		if c.now().Before(e.expiry) && e.set != nil {
			return e.set
		}
	}
	return nil
}

func (c *memoryCache) fetch(ctx context.Context, url string) (set jwk.Set, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "jwks.fetch")
	span.SetAttributes(attribute.String("jwks.url", url))
	start := c.now()
	status := "error"
	defer func() {
		c.metrics.Outbound("jwks", status, c.now().Sub(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.metrics.JWKSFetch("error")
		}
		span.End()
	}()

	c.mu.RLock()
	e := c.entries[url]
	c.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	req.Header.Set("Accept", "application/json")
	if e != nil {
		if e.etag != "" {
			req.Header.Set("If-None-Match", e.etag)
		}
		if !e.lastModified.IsZero() {
			req.Header.Set("If-Modified-Since", e.lastModified.UTC().Format(http.TimeFormat))
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if stale := c.stale(e); stale != nil {
			c.metrics.JWKSFetch("stale")
			return stale, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()
	status = strconv.Itoa(resp.StatusCode)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch resp.StatusCode {
	case http.StatusNotModified:
		if e == nil || e.set == nil {
			return nil, fmt.Errorf("%w: 304 but no cached entry", ErrFetch)
		}
		exp, allowStale := c.computeExpiry(resp.Header)
		c.mu.Lock()
		e.expiry = exp
		e.allowStaleUntil = allowStale
		c.mu.Unlock()
		c.metrics.JWKSFetch("revalidated")
		return e.set, nil
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetch, err)
		}
		parsed, err := jwk.Parse(body)
		if err != nil {
			return nil, fmt.Errorf("%w: parse: %v", ErrFetch, err)
		}
		newE := &entry{set: parsed}
		newE.expiry, newE.allowStaleUntil = c.computeExpiry(resp.Header)
		newE.etag = resp.Header.Get("ETag")
		if lm := resp.Header.Get("Last-Modified"); lm != "" {
			if t, err := time.Parse(http.TimeFormat, lm); err == nil {
				newE.lastModified = t
			}
		}
		c.mu.Lock()
		c.entries[url] = newE
		c.mu.Unlock()
		c.metrics.JWKSFetch("fetched")
		return parsed, nil
	default:
		if stale := c.stale(e); stale != nil {
			c.metrics.JWKSFetch("stale")
			return stale, nil
		}
		return nil, fmt.Errorf("%w: unexpected status %d", ErrFetch, resp.StatusCode)
	}
}

func (c *memoryCache) stale(e *entry) jwk.Set {
	if e == nil || e.set == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.now().Before(e.allowStaleUntil) {
		return e.set
	}
	return nil
}

// computeExpiry honours no-store, max-age and Expires, never exceeding maxTTL.
func (c *memoryCache) computeExpiry(h http.Header) (expiry, allowStaleUntil time.Time) {
	now := c.now()
	limit := now.Add(c.maxTTL)
	cc := parseCacheControl(h.Get("Cache-Control"))
	if cc["no-store"] == "true" || cc["no-cache"] == "true" {
		return now, now
	}
	exp := limit
	if maxAge, ok := cc["max-age"]; ok {
		if secs, err := strconv.Atoi(maxAge); err == nil {
			exp = now.Add(time.Duration(secs) * time.Second)
		}
	} else if expStr := h.Get("Expires"); expStr != "" {
		if t, err := time.Parse(http.TimeFormat, expStr); err == nil {
			exp = t
		}
	}
	if exp.After(limit) {
		exp = limit
	}
	return exp, exp.Add(c.staleGrace)
}

func parseCacheControl(v string) map[string]string {
	m := map[string]string{}
	for _, part := range strings.Split(v, ",") {
		p := strings.TrimSpace(strings.ToLower(part))
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "max-age=") {
			m["max-age"] = strings.TrimPrefix(p, "max-age=")
			continue
		}
		m[p] = "true"
	}
	return m
}
