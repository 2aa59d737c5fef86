// Package scraper handles fetching and parsing classifieds search and listing pages.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"listing-notifier/pkg/listing"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// UnavailableError indicates a page could not be retrieved or lacked the expected elements.
// Callers treat it as "skip this tick", never as a user-visible failure.
type UnavailableError struct {
	URL string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("unavailable: %s: %v", e.URL, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsUnavailable checks if an error is an UnavailableError.
func IsUnavailable(err error) bool {
	var unavailable *UnavailableError
	return errors.As(err, &unavailable)
}

// httpStatusError is a non-200 response.
type httpStatusError struct {
	code int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.code)
}

// Selectors are the CSS selectors used to pick fields out of the site's HTML.
type Selectors struct {
	Feed        string // Listing anchors on the search page, href is the listing URL
	Title       string
	Description string // Element whose content attribute (or text) holds the description
	Price       string
	Image       string // Anchor whose href (or img whose src) is the main image
}

// DefaultSelectors match the classifieds site this service was built for.
func DefaultSelectors() Selectors {
	return Selectors{
		Feed:        "a.slika",
		Title:       "h1.podrobnosti-naslov",
		Description: `meta[itemprop="description"]`,
		Price:       "div.cena",
		Image:       "a.rsImg",
	}
}

// Options configure a Scraper.
type Options struct {
	Client    *http.Client
	Limiter   *rate.Limiter // Shared across all requests to the site; nil disables limiting
	Selectors Selectors
	UserAgent string
	Header    http.Header // Extra request headers, applied after the browser defaults
	Attempts  uint
}

// Scraper fetches and parses classifieds pages.
type Scraper struct {
	client    *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
	sel       Selectors
	userAgent string
	header    http.Header
	attempts  uint
}

// New creates a new scraper.
func New(opts Options, logger *slog.Logger) *Scraper {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Selectors == (Selectors{}) {
		opts.Selectors = DefaultSelectors()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	return &Scraper{
		client:    opts.Client,
		limiter:   opts.Limiter,
		logger:    logger,
		sel:       opts.Selectors,
		userAgent: opts.UserAgent,
		header:    opts.Header,
		attempts:  opts.Attempts,
	}
}

// Snapshot returns the listing URLs currently shown on the search page, most recent first,
// de-duplicated and bounded to count entries.
func (s *Scraper) Snapshot(ctx context.Context, searchURL string, count int) ([]string, error) {
	base, err := url.Parse(searchURL)
	if err != nil {
		return nil, &UnavailableError{URL: searchURL, Err: fmt.Errorf("parse url: %w", err)}
	}

	doc, err := s.fetchDocument(ctx, searchURL, "fetch_search_page")
	if err != nil {
		return nil, err
	}

	urls := parseSnapshot(doc, base, s.sel.Feed, count)
	if len(urls) == 0 {
		s.logger.Warn("No listing anchors found on search page", "url", searchURL, "selector", s.sel.Feed)
		return nil, &UnavailableError{URL: searchURL, Err: errors.New("no listing anchors found")}
	}

	s.logger.Debug("Search page parsed", "url", searchURL, "listings", len(urls))
	return urls, nil
}

// Listing fetches a single listing page and extracts its fields.
func (s *Scraper) Listing(ctx context.Context, listingURL string) (*listing.Detail, error) {
	base, err := url.Parse(listingURL)
	if err != nil {
		return nil, &UnavailableError{URL: listingURL, Err: fmt.Errorf("parse url: %w", err)}
	}

	doc, err := s.fetchDocument(ctx, listingURL, "fetch_listing_page")
	if err != nil {
		return nil, err
	}

	d := parseDetail(doc, base, s.sel)
	s.logger.Debug("Listing page parsed",
		"url", listingURL,
		"has_title", d.Title != "",
		"has_price", d.Price != "",
		"has_image", d.Image != "")
	return d, nil
}

func (s *Scraper) fetchDocument(ctx context.Context, pageURL, purpose string) (*goquery.Document, error) {
	var doc *goquery.Document

	err := retry.Do(
		func() error {
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx); err != nil {
					return retry.Unrecoverable(fmt.Errorf("rate limiter: %w", err))
				}
			}

			s.logger.Debug("HTTP request starting",
				"method", "GET",
				"url", pageURL,
				"purpose", purpose)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			s.setHeaders(req)

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Debug("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				// Drain so the connection can be reused.
				_, _ = io.Copy(io.Discard, resp.Body)
				return &httpStatusError{code: resp.StatusCode}
			}

			doc, err = goquery.NewDocumentFromReader(resp.Body)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("parse html: %w", err))
			}
			return nil
		},
		retry.Attempts(s.attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "attempt", n, "url", pageURL, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			var status *httpStatusError
			if errors.As(err, &status) {
				// 4xx responses are final, except throttling.
				return status.code >= 500 || status.code == http.StatusTooManyRequests
			}
			return true
		}),
	)
	if err != nil {
		return nil, &UnavailableError{URL: pageURL, Err: err}
	}

	return doc, nil
}

func (s *Scraper) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	// Accept-Encoding is left to net/http so compressed bodies are decoded transparently.
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "none")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Cache-Control", "max-age=0")
	for k, vs := range s.header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

// parseSnapshot collects listing URLs in page order, skipping repeats, up to count.
func parseSnapshot(doc *goquery.Document, base *url.URL, selector string, count int) []string {
	var urls []string
	seen := make(map[string]struct{})

	doc.Find(selector).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if count > 0 && len(urls) >= count {
			return false
		}
		href, ok := a.Attr("href")
		if !ok {
			return true
		}
		abs := resolve(base, href)
		if abs == "" {
			return true
		}
		if _, dup := seen[abs]; dup {
			return true
		}
		seen[abs] = struct{}{}
		urls = append(urls, abs)
		return true
	})

	return urls
}

func parseDetail(doc *goquery.Document, base *url.URL, sel Selectors) *listing.Detail {
	d := &listing.Detail{URL: base.String()}

	if sel.Title != "" {
		d.Title = cleanText(doc.Find(sel.Title).First().Text())
	}

	if sel.Description != "" {
		desc := doc.Find(sel.Description).First()
		if content, ok := desc.Attr("content"); ok {
			d.Description = cleanText(content)
		} else {
			d.Description = cleanText(desc.Text())
		}
	}

	if sel.Price != "" {
		d.Price = cleanText(doc.Find(sel.Price).First().Text())
	}

	if sel.Image != "" {
		img := doc.Find(sel.Image).First()
		ref, ok := img.Attr("href")
		if !ok || strings.TrimSpace(ref) == "" {
			ref, _ = img.Attr("src")
		}
		d.Image = resolve(base, ref)
	}

	return d
}

// resolve turns href into an absolute http(s) URL relative to base.
// Fragments are dropped so the same listing always maps to the same URL.
// A literal ";" is percent-encoded since it delimits stored seen URLs.
func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "#") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return strings.ReplaceAll(abs.String(), ";", "%3B")
}

// cleanText trims and collapses internal whitespace runs to single spaces,
// keeping line breaks.
func cleanText(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
