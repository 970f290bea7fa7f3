// Package cdx implements a paginated, retrying client for the Wayback
// Machine's public CDX search service.
package cdx

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/wayback-go/crawler/internal/item"
	"github.com/wayback-go/crawler/internal/observe"
	"github.com/wayback-go/crawler/internal/retry"
)

// DefaultBase is the public CDX search endpoint.
const DefaultBase = "http://web.archive.org/cdx/search/cdx"

// cdxOptions is appended verbatim to every query, fixing the projected
// field order the decoder below assumes.
const cdxOptions = "&output=json&fl=original,timestamp,digest,mimetype,length,statuscode"

// blockedSiteErrorMessage is the CDX service's exact response body when a
// query is administratively blocked. It must match byte for byte.
const blockedSiteErrorMessage = "org.archive.util.io.RuntimeIOException: org.archive.wayback.exception.AdministrativeAccessControlException: Blocked Site Error\n"

const defaultUserAgent = "wayback-go/1"

// BlockedQueryError reports that the CDX service administratively denied a
// query. It is a terminal outcome: it never retries.
type BlockedQueryError struct {
	Query string
}

func (e *BlockedQueryError) Error() string {
	return fmt.Sprintf("cdx: blocked query: %s", e.Query)
}

// queryError is the retryable error type returned by Client's internal
// request helpers. It implements retry.Retryable per the fixed CDX policy:
// transport and JSON-decode errors retry with a flat 30s delay (the server
// intermittently returns empty bodies); everything else is fatal.
type queryError struct {
	kind string // "http", "json", "parse"
	err  error
}

func (e *queryError) Error() string { return fmt.Sprintf("cdx: %s: %v", e.kind, e.err) }
func (e *queryError) Unwrap() error { return e.err }

func (e *queryError) MaxRetries() uint64                 { return 7 }
func (e *queryError) DefaultInitialDelay() time.Duration { return 250 * time.Millisecond }
func (e *queryError) LogLevel() (slog.Level, bool)       { return slog.LevelWarn, true }

func (e *queryError) CustomRetryPolicy() (retry.Policy, bool) {
	switch e.kind {
	case "http", "json":
		return retry.Delay(30 * time.Second), true
	default:
		return retry.Break(), true
	}
}

// Client queries the CDX search service.
type Client struct {
	Base       string
	HTTPClient *http.Client
	UserAgent  string
	Pacer      *retry.Pacer
	Observer   observe.Observer
}

// New builds a Client using httpClient for transport. Pacer and Observer
// are optional; a nil value for either leaves that concern unattached.
func New(base string, httpClient *http.Client) *Client {
	if base == "" {
		base = DefaultBase
	}
	return &Client{
		Base:       base,
		HTTPClient: httpClient,
		UserAgent:  defaultUserAgent,
		Observer:   observe.Noop{},
	}
}

func (c *Client) observer() observe.Observer {
	if c.Observer == nil {
		return observe.Noop{}
	}
	return c.Observer
}

func (c *Client) get(ctx context.Context, queryURL string) (string, error) {
	if err := c.Pacer.PaceCDX(ctx); err != nil {
		return "", err
	}

	obs := c.observer()
	obs.OnEvent(observe.Start(observe.SurfaceCDX, http.MethodGet, queryURL))
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return "", &queryError{kind: "http", err: err}
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		obs.OnEvent(observe.Err(observe.SurfaceCDX, http.MethodGet, queryURL, 0, time.Since(start), observe.ErrorClassConnect))
		return "", &queryError{kind: "http", err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		obs.OnEvent(observe.Err(observe.SurfaceCDX, http.MethodGet, queryURL, resp.StatusCode, time.Since(start), observe.ErrorClassDecode))
		return "", &queryError{kind: "http", err: err}
	}

	obs.OnEvent(observe.Complete(observe.SurfaceCDX, http.MethodGet, queryURL, resp.StatusCode, time.Since(start)))
	return string(body), nil
}

func decodeRows(rows [][]string) ([]item.Item, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	items := make([]item.Item, 0, len(rows)-1)
	for _, row := range rows[1:] { // first row is the column header.
		it, err := item.ParseOptionalRecord(
			fieldAt(row, 0), fieldAt(row, 1), fieldAt(row, 2),
			fieldAt(row, 3), fieldAt(row, 4), fieldAt(row, 5),
		)
		if err != nil {
			return nil, &queryError{kind: "parse", err: err}
		}
		items = append(items, it)
	}
	return items, nil
}

func fieldAt(row []string, i int) *string {
	if i < len(row) {
		return &row[i]
	}
	return nil
}

// LoadJSON decodes a previously captured CDX JSON response.
func LoadJSON(r io.Reader) ([]item.Item, error) {
	var rows [][]string
	if err := json.NewDecoder(bufio.NewReader(r)).Decode(&rows); err != nil {
		return nil, &queryError{kind: "json", err: err}
	}
	return decodeRows(rows)
}

// Search issues a single CDX request, optionally filtered by timestamp
// and/or digest, and returns the decoded items. Retries per the fixed CDX
// policy.
func (c *Client) Search(ctx context.Context, query string, timestamp, digest *string) ([]item.Item, error) {
	return retry.Do(ctx, func() ([]item.Item, error) {
		return c.searchOnce(ctx, query, timestamp, digest)
	})
}

func (c *Client) searchOnce(ctx context.Context, query string, timestamp, digest *string) ([]item.Item, error) {
	filter := ""
	if timestamp != nil {
		filter += "&filter=timestamp:" + url.QueryEscape(*timestamp)
	}
	if digest != nil {
		filter += "&filter=digest:" + url.QueryEscape(*digest)
	}

	queryURL := fmt.Sprintf("%s?url=%s%s%s", c.Base, url.QueryEscape(query), filter, cdxOptions)

	body, err := c.get(ctx, queryURL)
	if err != nil {
		return nil, err
	}
	if body == blockedSiteErrorMessage {
		return nil, &BlockedQueryError{Query: query}
	}

	var rows [][]string
	if err := json.Unmarshal([]byte(body), &rows); err != nil {
		return nil, &queryError{kind: "json", err: err}
	}
	return decodeRows(rows)
}

func (c *Client) searchWithResumeKey(ctx context.Context, query string, limit int, resumeKey *string) ([]item.Item, *string, error) {
	resumeParam := ""
	if resumeKey != nil {
		resumeParam = "&resumeKey=" + url.QueryEscape(*resumeKey)
	}
	queryURL := fmt.Sprintf("%s?url=%s%s&limit=%d&showResumeKey=true%s",
		c.Base, url.QueryEscape(query), resumeParam, limit, cdxOptions)

	body, err := c.get(ctx, queryURL)
	if err != nil {
		return nil, nil, err
	}
	if body == blockedSiteErrorMessage {
		return nil, nil, &BlockedQueryError{Query: query}
	}

	var rows [][]string
	if err := json.Unmarshal([]byte(body), &rows); err != nil {
		return nil, nil, &queryError{kind: "json", err: err}
	}

	n := len(rows)
	var nextResumeKey *string
	if n >= 2 && len(rows[n-2]) == 0 {
		key := rows[n-1][0]
		nextResumeKey = &key
		rows = rows[:n-2]
	}

	items, err := decodeRows(rows)
	if err != nil {
		return nil, nil, err
	}
	return items, nextResumeKey, nil
}

// StreamSearch paginates query using page_limit-sized pages until the
// server stops returning a resume key, sending decoded items to the
// returned channel. The channel is closed when pagination completes or the
// context is cancelled; a single error (if any) is delivered before close.
func (c *Client) StreamSearch(ctx context.Context, query string, pageLimit int) (<-chan item.Item, <-chan error) {
	items := make(chan item.Item)
	errs := make(chan error, 1)

	go func() {
		defer close(items)
		defer close(errs)

		var resumeKey *string
		first := true
		for first || resumeKey != nil {
			first = false
			key := resumeKey

			page, err := retry.Do(ctx, func() (pageResult, error) {
				items, next, err := c.searchWithResumeKey(ctx, query, pageLimit, key)
				if err != nil {
					return pageResult{}, err
				}
				return pageResult{items: items, next: next}, nil
			})
			if err != nil {
				errs <- err
				return
			}
			resumeKey = page.next

			for _, it := range page.items {
				select {
				case items <- it:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
	}()

	return items, errs
}

type pageResult struct {
	items []item.Item
	next  *string
}
