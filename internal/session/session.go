// Package session implements the three-phase ingestion pipeline: querying
// the CDX index, resolving redirect captures, and downloading content into
// a crash-resumable workspace of CSV logs and gzip payloads.
package session

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wayback-go/crawler/internal/cdx"
	"github.com/wayback-go/crawler/internal/content"
	"github.com/wayback-go/crawler/internal/digest"
	"github.com/wayback-go/crawler/internal/httpclient"
	"github.com/wayback-go/crawler/internal/item"
	"github.com/wayback-go/crawler/internal/store"
)

const timestampLayout = item.TimestampLayout

// Session owns a workspace directory and drives the three pipeline phases
// against it. The zero value is not usable; construct with New or
// NewTimestamped.
type Session struct {
	Base             string
	KnownDigestsPath string
	Parallelism      int

	IndexClient   *cdx.Client
	ContentClient *content.Client

	// Store and Mirror are optional and independent. When set, content
	// successfully committed to data/ is additionally promoted into the
	// long-term sharded content-addressable store (Store) and/or
	// replicated to S3 (Mirror). Neither is required for the workspace
	// itself to be complete and resumable, and Mirror does not require
	// Store to be set.
	Store  *store.Store
	Mirror *store.Mirror
}

// New constructs a Session rooted at base.
func New(base, knownDigestsPath string, parallelism int) *Session {
	if parallelism <= 0 {
		parallelism = 6
	}
	return &Session{
		Base:             base,
		KnownDigestsPath: knownDigestsPath,
		Parallelism:      parallelism,
		IndexClient:      cdx.New(cdx.DefaultBase, httpclient.New(httpclient.Options{})),
		ContentClient:    content.New(httpclient.New(httpclient.Options{DisableRedirects: true, Timeout: 10 * time.Second})),
	}
}

// NewTimestamped constructs a Session rooted at the current UTC timestamp
// under the process's working directory.
func NewTimestamped(knownDigestsPath string, parallelism int) *Session {
	return New(time.Now().UTC().Format(timestampLayout), knownDigestsPath, parallelism)
}

func (s *Session) path(parts ...string) string {
	return filepath.Join(append([]string{s.Base}, parts...)...)
}

// Result is the four-counter outcome of DownloadItems.
type Result struct {
	Success int
	Invalid int
	Skipped int
	Error   int
}

// SaveCDXResults is phase 1: create the workspace, record the queries
// issued, search each concurrently, and partition the combined,
// deduplicated result set into originals.csv and redirects.csv.
func (s *Session) SaveCDXResults(ctx context.Context, queries []string) error {
	if err := os.MkdirAll(s.Base, 0o755); err != nil {
		return fmt.Errorf("session: creating workspace: %w", err)
	}

	queryLog := []byte("")
	for i, q := range queries {
		if i > 0 {
			queryLog = append(queryLog, '\n')
		}
		queryLog = append(queryLog, q...)
	}
	if err := os.WriteFile(s.path("queries.txt"), queryLog, 0o644); err != nil {
		return fmt.Errorf("session: writing queries.txt: %w", err)
	}

	var (
		mu      sync.Mutex
		items   []item.Item
		blocked []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Parallelism)

	for _, q := range queries {
		q := q
		g.Go(func() error {
			found, err := s.IndexClient.Search(gctx, q, nil, nil)
			if err != nil {
				if be, ok := err.(*cdx.BlockedQueryError); ok {
					mu.Lock()
					blocked = append(blocked, be.Query)
					mu.Unlock()
					return nil
				}
				return fmt.Errorf("session: searching %q: %w", q, err)
			}
			mu.Lock()
			items = append(items, found...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if len(blocked) > 0 {
		sort.Strings(blocked)
		if err := os.WriteFile(s.path("blocked.txt"), []byte(joinLines(blocked)), 0o644); err != nil {
			return fmt.Errorf("session: writing blocked.txt: %w", err)
		}
	}

	items = sortAndDedup(items)

	var originals, redirects []item.Item
	for _, it := range items {
		if it.Status != nil && *it.Status == 302 {
			redirects = append(redirects, it)
		} else {
			originals = append(originals, it)
		}
	}

	if err := writeItemCSV(s.path("originals.csv"), originals); err != nil {
		return err
	}
	if err := writeItemCSV(s.path("redirects.csv"), redirects); err != nil {
		return err
	}
	return nil
}

// ResolveRedirects is phase 2: read redirects.csv, resolve each unique,
// not-already-known digest's terminal capture, and write successes to
// extras.csv and failures to errors/redirects.csv.
func (s *Session) ResolveRedirects(ctx context.Context) error {
	items, err := readItemCSVFile(s.path("redirects.csv"))
	if err != nil {
		return fmt.Errorf("session: reading redirects.csv: %w", err)
	}

	known, err := s.loadKnownDigests()
	if err != nil {
		return err
	}

	pending := dedupeByDigest(items, known)

	if err := os.MkdirAll(s.path("data"), 0o755); err != nil {
		return fmt.Errorf("session: creating data directory: %w", err)
	}
	if err := os.MkdirAll(s.path("errors"), 0o755); err != nil {
		return fmt.Errorf("session: creating errors directory: %w", err)
	}

	type resolved struct {
		original item.Item
		res      content.Resolution
		err      error
	}

	stage1 := make(chan resolved, s.Parallelism)

	go func() {
		defer close(stage1)
		g := new(errgroup.Group)
		g.SetLimit(s.Parallelism)
		for _, it := range pending {
			it := it
			g.Go(func() error {
				res, err := s.ContentClient.ResolveRedirect(ctx, it.URL, it.Timestamp(), it.Digest)
				stage1 <- resolved{original: it, res: res, err: err}
				return nil
			})
		}
		g.Wait()
	}()

	var (
		mu       sync.Mutex
		extras   []item.Item
		failures []item.Item
	)

	g2 := new(errgroup.Group)
	g2.SetLimit(s.Parallelism)
	for r := range stage1 {
		r := r
		g2.Go(func() error {
			actual, ok := s.finishRedirectResolution(ctx, r.original, r.res, r.err)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				extras = append(extras, actual)
			} else {
				failures = append(failures, r.original)
			}
			return nil
		})
	}
	g2.Wait()

	if err := writeItemCSV(s.path("extras.csv"), extras); err != nil {
		return err
	}
	if err := writeItemCSV(s.path("errors", "redirects.csv"), failures); err != nil {
		return err
	}
	return nil
}

// finishRedirectResolution verifies a resolution's digest, commits its
// content to the workspace, and looks up the actual terminal item from the
// index. It reports (actualItem, true) on success.
func (s *Session) finishRedirectResolution(ctx context.Context, original item.Item, res content.Resolution, resErr error) (item.Item, bool) {
	if resErr != nil {
		slog.Warn("redirect resolution failed", "url", original.URL, "error", resErr)
		return item.Item{}, false
	}
	if !res.ValidDigest {
		slog.Warn("redirect content did not match advertised digest", "url", original.URL, "digest", original.Digest)
		return item.Item{}, false
	}

	if err := s.writeWorkspaceGzip("data", original.Digest, original.MakeFilename(), res.Content); err != nil {
		slog.Warn("failed to write resolved content", "digest", original.Digest, "error", err)
		return item.Item{}, false
	}

	found, err := s.IndexClient.Search(ctx, res.URL, nil, nil)
	if err != nil {
		slog.Warn("failed to search for terminal item", "url", res.URL, "error", err)
		return item.Item{}, false
	}

	for _, cand := range found {
		if cand.Timestamp() == res.Timestamp {
			return cand, true
		}
	}
	slog.Warn("no terminal item matched resolved timestamp", "url", res.URL, "timestamp", res.Timestamp)
	return item.Item{}, false
}

// DownloadItems is phase 3: read originals.csv and extras.csv, skip
// already-known digests, fetch the rest concurrently, verify each payload
// against its advertised digest, and commit it to data/ on success or
// invalid/ on mismatch.
func (s *Session) DownloadItems(ctx context.Context) (Result, error) {
	originals, err := readItemCSVFile(s.path("originals.csv"))
	if err != nil {
		return Result{}, fmt.Errorf("session: reading originals.csv: %w", err)
	}
	extras, err := readItemCSVFile(s.path("extras.csv"))
	if err != nil {
		return Result{}, fmt.Errorf("session: reading extras.csv: %w", err)
	}

	items := append(originals, extras...)
	total := len(items)

	known, err := s.loadKnownDigests()
	if err != nil {
		return Result{}, err
	}

	pending := dedupeByDigest(items, known)

	if err := os.MkdirAll(s.path("data"), 0o755); err != nil {
		return Result{}, fmt.Errorf("session: creating data directory: %w", err)
	}
	if err := os.MkdirAll(s.path("invalid"), 0o755); err != nil {
		return Result{}, fmt.Errorf("session: creating invalid directory: %w", err)
	}
	if err := os.MkdirAll(s.path("errors"), 0o755); err != nil {
		return Result{}, fmt.Errorf("session: creating errors directory: %w", err)
	}

	var (
		mu           sync.Mutex
		successCount int
		invalidCount int
		failures     []item.Item
		invalidPairs [][2]string // (expected, computed)
	)

	g := new(errgroup.Group)
	g.SetLimit(s.Parallelism)

	for _, it := range pending {
		it := it
		g.Go(func() error {
			body, err := s.ContentClient.DownloadItem(ctx, it)
			if err != nil {
				slog.Warn("download failed", "url", it.URL, "error", err)
				mu.Lock()
				failures = append(failures, it)
				mu.Unlock()
				return nil
			}

			computed, err := digest.Compute(bytes.NewReader(body))
			if err != nil {
				mu.Lock()
				failures = append(failures, it)
				mu.Unlock()
				return nil
			}

			if computed == it.Digest {
				if err := s.writeWorkspaceGzip("data", it.Digest, it.MakeFilename(), body); err != nil {
					slog.Warn("failed to write content", "digest", it.Digest, "error", err)
					mu.Lock()
					failures = append(failures, it)
					mu.Unlock()
					return nil
				}
				mu.Lock()
				successCount++
				mu.Unlock()
			} else {
				if err := s.writeWorkspaceGzip("invalid", computed, it.WithDigest(computed).MakeFilename(), body); err != nil {
					slog.Warn("failed to write invalid content", "digest", computed, "error", err)
					mu.Lock()
					failures = append(failures, it)
					mu.Unlock()
					return nil
				}
				mu.Lock()
				invalidCount++
				invalidPairs = append(invalidPairs, [2]string{it.Digest, computed})
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if err := writeItemCSV(s.path("errors", "items.csv"), failures); err != nil {
		return Result{}, err
	}
	if err := writePairCSV(s.path("errors", "invalid.csv"), invalidPairs); err != nil {
		return Result{}, err
	}

	result := Result{
		Success: successCount,
		Invalid: invalidCount,
		Error:   len(failures),
	}
	result.Skipped = total - result.Success - result.Invalid - result.Error
	return result, nil
}

// writeWorkspaceGzip atomically writes payload, gzip-compressed with the
// given inner filename, to <base>/<subdir>/<digest>.gz. For subdir "data",
// s.Store and s.Mirror (each independently optional) additionally promote
// the same content into the long-term sharded store and/or an S3 replica.
func (s *Session) writeWorkspaceGzip(subdir, digestName, innerFilename string, payload []byte) error {
	dir := s.path(subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(dir, digestName+".gz")

	gzBytes, err := gzipCompress(innerFilename, payload)
	if err != nil {
		return err
	}

	if err := atomicWriteBytes(dst, gzBytes); err != nil {
		return err
	}

	if subdir == "data" {
		if s.Store != nil {
			if err := s.Store.Commit(digestName, innerFilename, payload); err != nil {
				slog.Debug("failed to promote content to store", "digest", digestName, "error", err)
			}
		}
		if s.Mirror != nil {
			if err := s.Mirror.Put(context.Background(), digestName, gzBytes); err != nil {
				slog.Debug("failed to mirror content to S3", "digest", digestName, "error", err)
			}
		}
	}
	return nil
}

func (s *Session) loadKnownDigests() (map[string]bool, error) {
	known := make(map[string]bool)
	if s.KnownDigestsPath == "" {
		return known, nil
	}
	f, err := os.Open(s.KnownDigestsPath)
	if err != nil {
		return nil, fmt.Errorf("session: opening known-digests file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("session: reading known-digests file: %w", err)
	}
	for _, line := range splitLines(string(data)) {
		trimmed := trimSpace(line)
		if trimmed != "" {
			known[trimmed] = true
		}
	}
	return known, nil
}

// dedupeByDigest keeps the first item seen per distinct digest and drops
// any whose digest is in known.
func dedupeByDigest(items []item.Item, known map[string]bool) []item.Item {
	seen := make(map[string]bool, len(items))
	out := make([]item.Item, 0, len(items))
	for _, it := range items {
		if seen[it.Digest] {
			continue
		}
		seen[it.Digest] = true
		if known[it.Digest] {
			continue
		}
		out = append(out, it)
	}
	return out
}

func sortAndDedup(items []item.Item) []item.Item {
	sort.Slice(items, func(i, j int) bool { return items[i].Less(items[j]) })
	out := items[:0]
	for i, it := range items {
		if i == 0 || !it.Equal(out[len(out)-1]) {
			out = append(out, it)
		}
	}
	return out
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

func writeItemCSV(path string, items []item.Item) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("session: creating %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for _, it := range items {
		if err := w.Write(it.ToRecord()); err != nil {
			return fmt.Errorf("session: writing %s: %w", path, err)
		}
	}
	w.Flush()
	return w.Error()
}

func writePairCSV(path string, pairs [][2]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("session: creating %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for _, p := range pairs {
		if err := w.Write(p[:]); err != nil {
			return fmt.Errorf("session: writing %s: %w", path, err)
		}
	}
	w.Flush()
	return w.Error()
}

func readItemCSVFile(path string) ([]item.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return readItemCSV(f)
}

func readItemCSV(r io.Reader) ([]item.Item, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 6
	var items []item.Item
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		it, err := item.FromRecord(rec)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}
