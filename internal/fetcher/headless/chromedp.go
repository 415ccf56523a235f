// Package headless renders results pages in headless Chrome for content that
// only appears after client-side scripts and lazy loading run.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
	"github.com/JakeFAU/surf-results-harvester/internal/metrics"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultScrollPause       = 750 * time.Millisecond

	// scrollToBottom scrolls once and reports the new document height.
	scrollToBottom = `window.scrollTo(0, document.body.scrollHeight); document.body.scrollHeight`
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel caps concurrently open tabs. Zero means unlimited.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitSelector is awaited before scrolling starts. Defaults to "body".
	WaitSelector string
	// MaxScrolls bounds the lazy-load scroll loop.
	MaxScrolls int
	// ScrollPause is the settle time after each scroll.
	ScrollPause time.Duration
}

// Fetcher implements harvest.Fetcher with one shared Chrome allocator and a
// fresh tab per request.
type Fetcher struct {
	cfg         Config
	tabs        *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
}

var _ harvest.Fetcher = (*Fetcher)(nil)

// NewChromedp creates a headless fetcher. Chrome is started lazily on the
// first fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("headless max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	cfg.MaxScrolls = max(cfg.MaxScrolls, 0)
	if cfg.ScrollPause <= 0 {
		cfg.ScrollPause = defaultScrollPause
	}

	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	f.allocator, f.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close shuts Chrome down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch opens the page in a new tab, scrolls until the document stops
// growing, and returns the rendered DOM. Browser failures are transient;
// a document status >= 300 is returned as a *harvest.StatusError.
func (f *Fetcher) Fetch(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return harvest.FetchResponse{}, err
	}
	defer f.release()

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.navTimeout())
	defer cancel()
	// The tab is parented on the allocator, so the caller's cancellation
	// has to be forwarded by hand.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	nav := &navigation{}
	chromedp.ListenTarget(tabCtx, nav.observe)

	start := time.Now()
	var (
		html     string
		finalURL string
	)
	err := chromedp.Run(tabCtx,
		f.prepare(req.Headers),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady(f.cfg.WaitSelector, chromedp.ByQuery),
		f.lazyScroll(),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		metrics.ObserveFetch(req.URL, "error", 0)
		if ctx.Err() != nil {
			return harvest.FetchResponse{}, fmt.Errorf("render %s: %w: %w", req.URL, harvest.ErrCancelled, ctx.Err())
		}
		return harvest.FetchResponse{}, fmt.Errorf("render %s: %w: %w", req.URL, harvest.ErrTransientFetch, err)
	}

	status, headers, url := nav.result(req.URL, finalURL)
	metrics.ObserveFetch(req.URL, fmt.Sprint(status), len(html))
	if status >= http.StatusMultipleChoices {
		return harvest.FetchResponse{}, &harvest.StatusError{URL: req.URL, Code: status}
	}
	return harvest.FetchResponse{
		URL:          url,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

// prepare enables the network domain, then applies the user agent and any
// request headers to the tab.
func (f *Fetcher) prepare(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if extra := networkHeaders(headers); len(extra) > 0 {
			if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// lazyScroll scrolls to the bottom until the height stops growing or
// MaxScrolls rounds ran. Profile pages load older seasons on scroll.
func (f *Fetcher) lazyScroll() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var last float64
		for range f.cfg.MaxScrolls {
			var height float64
			if err := chromedp.Evaluate(scrollToBottom, &height).Do(ctx); err != nil {
				return fmt.Errorf("scroll: %w", err)
			}
			if err := chromedp.Sleep(f.cfg.ScrollPause).Do(ctx); err != nil {
				return fmt.Errorf("scroll pause: %w", err)
			}
			if height <= last {
				return nil
			}
			last = height
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.tabs == nil {
		return nil
	}
	if err := f.tabs.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("headless tab wait: %w: %w", harvest.ErrCancelled, err)
	}
	return nil
}

func (f *Fetcher) release() {
	if f.tabs != nil {
		f.tabs.Release(1)
	}
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

// navigation records the first document response of a tab. Later document
// responses belong to frames and are ignored.
type navigation struct {
	mu      sync.Mutex
	seen    bool
	status  int
	headers http.Header
	url     string
}

func (n *navigation) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.seen {
		return
	}
	n.seen = true
	n.status = int(resp.Response.Status)
	n.headers = httpHeader(resp.Response.Headers)
	n.url = resp.Response.URL
}

// result falls back to the final location, then the requested URL, and to
// 200 when no document response was observed.
func (n *navigation) result(requestURL, finalURL string) (int, http.Header, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	status, url := n.status, n.url
	headers := n.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if status == 0 {
		status = http.StatusOK
	}
	if url == "" {
		url = finalURL
	}
	if url == "" {
		url = requestURL
	}
	return status, headers, url
}

func httpHeader(h network.Headers) http.Header {
	out := http.Header{}
	for key, value := range h {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []any:
			for _, entry := range v {
				out.Add(key, fmt.Sprint(entry))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}

func networkHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			out[key] = values[0]
		default:
			out[key] = append([]string(nil), values...)
		}
	}
	return out
}
