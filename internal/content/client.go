// Package content implements the retrying HTTP client for archived
// Wayback Machine content, including the two-step 302 redirect-resolution
// protocol.
package content

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/wayback-go/crawler/internal/digest"
	"github.com/wayback-go/crawler/internal/item"
	"github.com/wayback-go/crawler/internal/observe"
	"github.com/wayback-go/crawler/internal/retry"
)

// guessRedirectContent renders the canonical HTML the Wayback Machine stores
// for a 302 redirect capture pointing at url.
func guessRedirectContent(url string) string {
	return fmt.Sprintf(`<html><body>You are being <a href="%s">redirected</a>.</body></html>`, url)
}

// fetchError is the retryable error type for content operations.
type fetchError struct {
	kind   string // "io", "client", "unexpected_redirect", "unexpected_redirect_url", "unexpected_status"
	status int
	err    error
}

func (e *fetchError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("content: %s (status %d)", e.kind, e.status)
	}
	if e.err != nil {
		return fmt.Sprintf("content: %s: %v", e.kind, e.err)
	}
	return fmt.Sprintf("content: %s", e.kind)
}

func (e *fetchError) Unwrap() error { return e.err }

func (e *fetchError) MaxRetries() uint64                 { return 7 }
func (e *fetchError) DefaultInitialDelay() time.Duration { return 250 * time.Millisecond }
func (e *fetchError) LogLevel() (slog.Level, bool)       { return slog.LevelWarn, true }

func (e *fetchError) CustomRetryPolicy() (retry.Policy, bool) {
	switch e.kind {
	case "io", "client":
		return retry.Policy{}, false // defer to exponential backoff
	case "unexpected_status":
		if e.status == http.StatusBadGateway {
			return retry.Delay(30 * time.Second), true
		}
		return retry.Break(), true
	default:
		return retry.Break(), true
	}
}

// Resolution is the outcome of resolving a redirect capture.
type Resolution struct {
	URL                 string
	Timestamp           string
	Content             []byte
	ValidInitialContent bool
	ValidDigest         bool
}

// Client fetches archived content and resolves redirect captures.
type Client struct {
	HTTPClient *http.Client
	Pacer      *retry.Pacer
	Observer   observe.Observer
}

// New builds a Client. httpClient must have redirect-following disabled
// (see internal/httpclient.Options.DisableRedirects).
func New(httpClient *http.Client) *Client {
	return &Client{HTTPClient: httpClient, Observer: observe.Noop{}}
}

func (c *Client) observer() observe.Observer {
	if c.Observer == nil {
		return observe.Noop{}
	}
	return c.Observer
}

func waybackURL(url, timestamp string, original bool) string {
	suffix := "if_"
	if original {
		suffix = "id_"
	}
	return fmt.Sprintf("http://web.archive.org/web/%s%s/%s", timestamp, suffix, url)
}

func (c *Client) do(ctx context.Context, method, requestURL string) (*http.Response, time.Duration, error) {
	if err := c.Pacer.PaceContent(ctx); err != nil {
		return nil, 0, err
	}

	obs := c.observer()
	obs.OnEvent(observe.Start(observe.SurfaceContent, method, requestURL))
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, requestURL, nil)
	if err != nil {
		return nil, 0, &fetchError{kind: "client", err: err}
	}

	resp, err := c.HTTPClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		obs.OnEvent(observe.Err(observe.SurfaceContent, method, requestURL, 0, elapsed, observe.ErrorClassConnect))
		return nil, elapsed, &fetchError{kind: "client", err: err}
	}
	obs.OnEvent(observe.Complete(observe.SurfaceContent, method, requestURL, resp.StatusCode, elapsed))
	return resp, elapsed, nil
}

// directResolveRedirect HEADs the archive URL for (url, timestamp) and
// returns the raw Location header value, expecting a 302 response.
func (c *Client) directResolveRedirect(ctx context.Context, url, timestamp string) (string, error) {
	resp, _, err := c.do(ctx, http.MethodHead, waybackURL(url, timestamp, true))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		return "", &fetchError{kind: "unexpected_status", status: resp.StatusCode}
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", &fetchError{kind: "unexpected_redirect"}
	}
	return location, nil
}

// ResolveRedirect executes the two-step redirect-resolution protocol for an
// item advertising expectedDigest at (url, timestamp):
//
//  1. HEAD the identity capture; expect 302; parse Location into
//     (nextURL, nextTimestamp).
//  2. Guess the canonical redirect-page content for nextURL and compare its
//     digest to expectedDigest. On match, use the guessed bytes. On
//     mismatch, GET the identity capture and recompute.
//  3. HEAD the archive URL (nextURL, nextTimestamp); expect 302; parse its
//     Location as the terminal (url, timestamp).
func (c *Client) ResolveRedirect(ctx context.Context, url, timestamp, expectedDigest string) (Resolution, error) {
	return retry.Do(ctx, func() (Resolution, error) {
		return c.resolveRedirectOnce(ctx, url, timestamp, expectedDigest)
	})
}

func (c *Client) resolveRedirectOnce(ctx context.Context, url, timestamp, expectedDigest string) (Resolution, error) {
	initialURL := waybackURL(url, timestamp, true)
	resp, _, err := c.do(ctx, http.MethodHead, initialURL)
	if err != nil {
		return Resolution{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		return Resolution{}, &fetchError{kind: "unexpected_status", status: resp.StatusCode}
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return Resolution{}, &fetchError{kind: "unexpected_redirect"}
	}

	info, err := item.ParseUrlInfo(location)
	if err != nil {
		return Resolution{}, &fetchError{kind: "unexpected_redirect_url", err: err}
	}

	guess := guessRedirectContent(info.URL)
	guessDigest, err := digest.Compute(bytes.NewReader([]byte(guess)))
	if err != nil {
		return Resolution{}, &fetchError{kind: "io", err: err}
	}

	validInitialContent := true
	validDigest := true
	var body []byte

	if guessDigest == expectedDigest {
		body = []byte(guess)
	} else {
		slog.Debug("redirect guess mismatch, re-fetching", "url", initialURL)
		getResp, _, err := c.do(ctx, http.MethodGet, initialURL)
		if err != nil {
			return Resolution{}, err
		}
		direct, err := io.ReadAll(getResp.Body)
		getResp.Body.Close()
		if err != nil {
			return Resolution{}, &fetchError{kind: "io", err: err}
		}
		if getResp.StatusCode != http.StatusOK {
			return Resolution{}, &fetchError{kind: "unexpected_status", status: getResp.StatusCode}
		}
		directDigest, err := digest.Compute(bytes.NewReader(direct))
		if err != nil {
			return Resolution{}, &fetchError{kind: "io", err: err}
		}
		validInitialContent = false
		validDigest = directDigest == expectedDigest
		body = direct
	}

	actualLocation, err := c.directResolveRedirect(ctx, info.URL, info.Timestamp)
	if err != nil {
		return Resolution{}, err
	}

	actualInfo, err := item.ParseUrlInfo(actualLocation)
	if err != nil {
		return Resolution{}, &fetchError{kind: "unexpected_redirect_url", err: err}
	}

	return Resolution{
		URL:                 actualInfo.URL,
		Timestamp:           actualInfo.Timestamp,
		Content:             body,
		ValidInitialContent: validInitialContent,
		ValidDigest:         validDigest,
	}, nil
}

// ShallowResolution is the result of ResolveRedirectShallow: it stops after
// step 2 of the protocol and does not resolve the terminal capture.
type ShallowResolution struct {
	Next        item.UrlInfo
	Content     string
	ValidDigest bool
}

// ResolveRedirectShallow performs steps 1-2 of the redirect-resolution
// protocol only, returning the guessed-or-fetched content as a UTF-8
// string rather than resolving to the terminal capture.
func (c *Client) ResolveRedirectShallow(ctx context.Context, url, timestamp, expectedDigest string) (ShallowResolution, error) {
	return retry.Do(ctx, func() (ShallowResolution, error) {
		initialURL := waybackURL(url, timestamp, true)
		resp, _, err := c.do(ctx, http.MethodHead, initialURL)
		if err != nil {
			return ShallowResolution{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusFound {
			return ShallowResolution{}, &fetchError{kind: "unexpected_status", status: resp.StatusCode}
		}
		location := resp.Header.Get("Location")
		if location == "" {
			return ShallowResolution{}, &fetchError{kind: "unexpected_redirect"}
		}
		info, err := item.ParseUrlInfo(location)
		if err != nil {
			return ShallowResolution{}, &fetchError{kind: "unexpected_redirect_url", err: err}
		}

		guess := guessRedirectContent(info.URL)
		guessDigest, err := digest.Compute(bytes.NewReader([]byte(guess)))
		if err != nil {
			return ShallowResolution{}, &fetchError{kind: "io", err: err}
		}

		if guessDigest == expectedDigest {
			return ShallowResolution{Next: info, Content: guess, ValidDigest: true}, nil
		}

		getResp, _, err := c.do(ctx, http.MethodGet, initialURL)
		if err != nil {
			return ShallowResolution{}, err
		}
		direct, err := io.ReadAll(getResp.Body)
		getResp.Body.Close()
		if err != nil {
			return ShallowResolution{}, &fetchError{kind: "io", err: err}
		}
		if getResp.StatusCode != http.StatusOK {
			return ShallowResolution{}, &fetchError{kind: "unexpected_status", status: getResp.StatusCode}
		}
		directDigest, err := digest.Compute(bytes.NewReader(direct))
		if err != nil {
			return ShallowResolution{}, &fetchError{kind: "io", err: err}
		}

		return ShallowResolution{
			Next:        info,
			Content:     string(direct),
			ValidDigest: directDigest == expectedDigest,
		}, nil
	})
}

// DownloadItem GETs the identity capture for it, retrying per the fixed
// content policy, and returns its raw bytes. Only HTTP 200 is accepted.
func (c *Client) DownloadItem(ctx context.Context, it item.Item) ([]byte, error) {
	return retry.Do(ctx, func() ([]byte, error) {
		resp, _, err := c.do(ctx, http.MethodGet, it.WaybackURL(true))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, &fetchError{kind: "unexpected_status", status: resp.StatusCode}
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &fetchError{kind: "io", err: err}
		}
		return body, nil
	})
}
