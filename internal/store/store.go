// Package store implements the sharded, content-addressable filesystem
// store: 32 single-character subdirectories holding gzip-compressed
// payloads named by their decompressed SHA-1 digest.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/wayback-go/crawler/internal/digest"
)

// names is the set of 32 shard-directory names: '2'-'7' then 'A'-'Z'.
var names = func() []string {
	var ns []string
	for c := '2'; c <= '7'; c++ {
		ns = append(ns, string(c))
	}
	for c := 'A'; c <= 'Z'; c++ {
		ns = append(ns, string(c))
	}
	return ns
}()

// UnexpectedEntryError reports a filesystem entry under the store's base
// directory that doesn't match the expected shard/filename layout.
type UnexpectedEntryError struct {
	Path string
}

func (e *UnexpectedEntryError) Error() string {
	return fmt.Sprintf("store: unexpected entry: %s", e.Path)
}

// InvalidDigestError reports an invalid digest or prefix argument.
type InvalidDigestError struct {
	Value string
}

func (e *InvalidDigestError) Error() string {
	return fmt.Sprintf("store: invalid digest or prefix: %q", e.Value)
}

// Store is a content-addressable store rooted at Base.
type Store struct {
	Base string
}

// New wraps an existing directory as a Store without creating anything.
func New(base string) *Store {
	return &Store{Base: base}
}

// Create materializes all 32 shard subdirectories under base and returns a
// Store rooted there.
func Create(base string) (*Store, error) {
	for _, name := range names {
		if err := os.MkdirAll(filepath.Join(base, name), 0o755); err != nil {
			return nil, err
		}
	}
	return &Store{Base: base}, nil
}

func isValidChar(c byte) bool {
	return (c >= '2' && c <= '7') || (c >= 'A' && c <= 'Z')
}

func isValidDigest(s string) bool {
	if len(s) != digest.Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isValidChar(s[i]) {
			return false
		}
	}
	return true
}

func isValidPrefix(s string) bool {
	if len(s) > digest.Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isValidChar(s[i]) {
			return false
		}
	}
	return true
}

// Location returns the canonical path for digest, or "" if digest is
// invalid.
func (s *Store) Location(dgst string) string {
	if !isValidDigest(dgst) {
		return ""
	}
	return filepath.Join(s.Base, string(dgst[0]), dgst+".gz")
}

// Contains reports whether digest is present on disk.
func (s *Store) Contains(dgst string) bool {
	return s.Lookup(dgst) != ""
}

// Lookup returns digest's path if it exists on disk, else "".
func (s *Store) Lookup(dgst string) string {
	path := s.Location(dgst)
	if path == "" {
		return ""
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return ""
	}
	return path
}

// ExtractReader opens a gzip-decompressing reader over digest's stored
// payload. The caller must close the returned ReadCloser.
func (s *Store) ExtractReader(dgst string) (io.ReadCloser, error) {
	path := s.Lookup(dgst)
	if path == "" {
		return nil, os.ErrNotExist
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &gzipReadCloser{gz: gz, f: f}, nil
}

type gzipReadCloser struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }
func (g *gzipReadCloser) Close() error {
	gzErr := g.gz.Close()
	fErr := g.f.Close()
	if gzErr != nil {
		return gzErr
	}
	return fErr
}

// ExtractBytes returns the fully decompressed payload for digest.
func (s *Store) ExtractBytes(dgst string) ([]byte, error) {
	r, err := s.ExtractReader(dgst)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Extract returns the fully decompressed payload for digest as a string.
func (s *Store) Extract(dgst string) (string, error) {
	b, err := s.ExtractBytes(dgst)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// PathEntry is one enumerated store entry.
type PathEntry struct {
	Digest string
	Path   string
}

// Paths enumerates every entry in the store, sorted by shard directory then
// by filename within it.
func (s *Store) Paths() ([]PathEntry, error) {
	return s.PathsForPrefix("")
}

// PathsForPrefix enumerates every entry whose digest starts with prefix. An
// empty prefix enumerates all entries. Returns InvalidDigestError for a
// malformed prefix, and UnexpectedEntryError for any filesystem entry that
// doesn't match the expected shard/filename layout.
func (s *Store) PathsForPrefix(prefix string) ([]PathEntry, error) {
	if !isValidPrefix(prefix) {
		return nil, &InvalidDigestError{Value: prefix}
	}

	var shards []string
	if prefix == "" {
		shards = names
	} else {
		shards = []string{string(prefix[0])}
	}

	var out []PathEntry
	for _, shard := range shards {
		dirPath := filepath.Join(s.Base, shard)
		entries, err := os.ReadDir(dirPath)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}

		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			if entry.IsDir() {
				return nil, &UnexpectedEntryError{Path: filepath.Join(dirPath, entry.Name())}
			}
			name := entry.Name()
			stem := name[:len(name)-len(filepath.Ext(name))]
			if filepath.Ext(name) != ".gz" || !isValidDigest(stem) || stem[0] != shard[0] {
				return nil, &UnexpectedEntryError{Path: filepath.Join(dirPath, name)}
			}
			if prefix != "" && len(stem) >= len(prefix) && stem[:len(prefix)] != prefix {
				continue
			}
			out = append(out, PathEntry{Digest: stem, Path: filepath.Join(dirPath, name)})
		}
	}
	return out, nil
}

// DigestPair is one (expected, actual) result from ComputeDigests.
type DigestPair struct {
	Expected string
	Actual   string
}

// ComputeDigests re-hashes every entry matching prefix (or the whole store,
// if prefix is "") using up to parallelism concurrent workers, returning
// the (expected, actual) digest for each.
func (s *Store) ComputeDigests(prefix string, parallelism int) ([]DigestPair, error) {
	entries, err := s.PathsForPrefix(prefix)
	if err != nil {
		return nil, err
	}

	results := make([]DigestPair, len(entries))
	g := new(errgroup.Group)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}

	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			f, err := os.Open(entry.Path)
			if err != nil {
				return fmt.Errorf("store: computing digest for %s: %w", entry.Digest, err)
			}
			defer f.Close()

			actual, err := digest.ComputeGzip(f)
			if err != nil {
				return fmt.Errorf("store: computing digest for %s: %w", entry.Digest, err)
			}
			results[i] = DigestPair{Expected: entry.Digest, Actual: actual}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// CheckFileLocation validates a staged "<digest>.gz" candidate file before
// it is promoted into the store. The filename must be a valid digest with a
// ".gz" extension, or an InvalidDigestError is returned. Otherwise it
// returns the filename's digest, that digest's canonical path, and whether
// the file's decompressed content hashes to that digest. When the canonical
// path is already occupied, matched is false and the candidate is not read.
func (s *Store) CheckFileLocation(candidate string) (name string, location string, matched bool, err error) {
	base := filepath.Base(candidate)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]

	if ext != ".gz" || !isValidDigest(stem) {
		return "", "", false, &InvalidDigestError{Value: stem}
	}

	loc := s.Location(stem)
	if loc == "" {
		return "", "", false, &InvalidDigestError{Value: stem}
	}
	if _, statErr := os.Stat(loc); statErr == nil {
		return stem, loc, false, nil // already promoted; nothing to do
	}

	f, err := os.Open(candidate)
	if err != nil {
		return "", "", false, err
	}
	defer f.Close()

	actual, err := digest.ComputeGzip(f)
	if err != nil {
		return "", "", false, err
	}

	return stem, loc, actual == stem, nil
}

// Commit atomically writes payload, gzip-compressed with the given inner
// filename, to digest's canonical location. It creates the destination
// shard directory if necessary and uses a temp-file-then-rename so
// concurrent readers never observe a partially written entry.
func (s *Store) Commit(dgst, innerFilename string, payload []byte) error {
	path := s.Location(dgst)
	if path == "" {
		return &InvalidDigestError{Value: dgst}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.gz")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	gz, err := gzip.NewWriterLevel(tmp, gzip.DefaultCompression)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	gz.Name = innerFilename

	if _, err := gz.Write(payload); err != nil {
		gz.Close()
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
