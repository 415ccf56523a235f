// Package collyfetcher fetches results pages over plain HTTP with gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
	"github.com/JakeFAU/surf-results-harvester/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
}

// Fetcher implements harvest.Fetcher. Every fetch runs on a clone of one
// base collector, so concurrent workers share the transport and nothing else.
type Fetcher struct {
	base *colly.Collector
}

var _ harvest.Fetcher = (*Fetcher)(nil)

// New builds a Fetcher. A nil transport selects a pooled default.
func New(cfg Config, transport http.RoundTripper) *Fetcher {
	opts := []colly.CollectorOption{
		colly.Async(false),
		colly.AllowURLRevisit(),
	}
	if cfg.MaxBodyBytes > 0 {
		opts = append(opts, colly.MaxBodySize(cfg.MaxBodyBytes))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	base := colly.NewCollector(opts...)
	base.IgnoreRobotsTxt = !cfg.RespectRobots
	if transport == nil {
		transport = newHTTPTransport()
	}
	base.WithTransport(transport)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	base.SetRequestTimeout(timeout)
	return &Fetcher{base: base}
}

// Fetch executes a single GET. Non-success statuses come back as
// *harvest.StatusError; network failures wrap harvest.ErrTransientFetch and
// cancellation wraps harvest.ErrCancelled. URLs the collector refuses, such
// as those disallowed by robots.txt, wrap harvest.ErrEmpty.
func (f *Fetcher) Fetch(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	v := &visit{req: req, start: time.Now()}
	collector := f.base.Clone()
	collector.Context = ctx
	collector.OnRequest(v.onRequest)
	collector.OnResponse(v.onResponse)
	collector.OnError(v.onError)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(req.URL)
	}()

	var err error
	select {
	case <-ctx.Done():
		err = fmt.Errorf("fetch %s: %w: %w", req.URL, harvest.ErrCancelled, ctx.Err())
	case visitErr := <-done:
		err = v.outcome(visitErr)
	}
	if err != nil {
		metrics.ObserveFetch(req.URL, statusLabel(err), 0)
		return harvest.FetchResponse{}, err
	}
	metrics.ObserveFetch(req.URL, strconv.Itoa(v.resp.StatusCode), len(v.resp.Body))
	return v.resp, nil
}

// visit holds the callback state of one fetch.
type visit struct {
	req   harvest.FetchRequest
	start time.Time
	resp  harvest.FetchResponse
	err   error
}

func (v *visit) onRequest(r *colly.Request) {
	for key, values := range v.req.Headers {
		for _, value := range values {
			r.Headers.Add(key, value)
		}
	}
}

func (v *visit) onResponse(r *colly.Response) {
	v.resp = harvest.FetchResponse{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    r.Headers.Clone(),
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(v.start),
	}
}

// onError maps a colly error callback onto the error taxonomy.
func (v *visit) onError(r *colly.Response, err error) {
	switch {
	case r != nil && r.StatusCode >= http.StatusMultipleChoices:
		v.err = &harvest.StatusError{URL: v.req.URL, Code: r.StatusCode}
	case errors.Is(err, context.Canceled):
		v.err = fmt.Errorf("%w: %w", harvest.ErrCancelled, err)
	default:
		v.err = fmt.Errorf("%w: %w", harvest.ErrTransientFetch, err)
	}
}

func (v *visit) outcome(visitErr error) error {
	if v.err != nil {
		return fmt.Errorf("fetch %s: %w", v.req.URL, v.err)
	}
	switch {
	case visitErr == nil:
		return nil
	case blocked(visitErr):
		return fmt.Errorf("fetch %s: %w: %w", v.req.URL, harvest.ErrEmpty, visitErr)
	default:
		return fmt.Errorf("fetch %s: %w: %w", v.req.URL, harvest.ErrTransientFetch, visitErr)
	}
}

// blocked reports whether colly refused the URL before sending a request.
// Retrying cannot change the answer.
func blocked(err error) bool {
	return errors.Is(err, colly.ErrRobotsTxtBlocked) ||
		errors.Is(err, colly.ErrForbiddenDomain) ||
		errors.Is(err, colly.ErrForbiddenURL) ||
		errors.Is(err, colly.ErrNoURLFiltersMatch) ||
		errors.Is(err, colly.ErrMissingURL)
}

func statusLabel(err error) string {
	var statusErr *harvest.StatusError
	switch {
	case errors.As(err, &statusErr):
		return strconv.Itoa(statusErr.Code)
	case errors.Is(err, harvest.ErrCancelled):
		return "cancelled"
	case errors.Is(err, harvest.ErrEmpty):
		return "blocked"
	default:
		return "error"
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
