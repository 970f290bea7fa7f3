package store

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/wayback-go/crawler/internal/digest"
)

func writeFixture(t *testing.T, base, dgst string, payload []byte) {
	t.Helper()
	dir := filepath.Join(base, string(dgst[0]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(filepath.Join(dir, dgst+".gz"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	if _, err := gz.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
}

// fixtureDigests mirrors the upstream test fixture set's names. The
// payloads setupFixtureStore writes under them are placeholders that do not
// hash to these names, so tests using this set check layout, not integrity.
func fixtureDigests() []string {
	return []string{
		"2G3EOT7X6IEQZXKSM3OJJDW6RBCHB7YE",
		"5DECQVIU7Y3F276SIBAKKCRGDMVXJYFV",
		"AJBB526CEZFOBT3FCQYLRMXQ2MSFHE3O",
		"Y2A3M6COP2G6SKSM4BOHC2MHYS3UW22V",
		"YJFNIRKJZTUBLTRDVCZC5EMUWOOYJN7L",
	}
}

func setupFixtureStore(t *testing.T) *Store {
	t.Helper()
	base := t.TempDir()
	for _, d := range fixtureDigests() {
		payload := []byte("content for " + d)
		writeFixture(t, base, d, payload)
	}
	return New(base)
}

func TestCreateMakesAllShards(t *testing.T) {
	base := t.TempDir()
	s, err := Create(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 32 {
		t.Fatalf("expected 32 shard names, got %d", len(names))
	}
	for _, n := range names {
		if info, err := os.Stat(filepath.Join(s.Base, n)); err != nil || !info.IsDir() {
			t.Fatalf("shard %s missing", n)
		}
	}
}

func TestLocation(t *testing.T) {
	s := New("/base")
	d := fixtureDigests()[0]
	want := filepath.Join("/base", string(d[0]), d+".gz")
	if got := s.Location(d); got != want {
		t.Fatalf("Location = %q, want %q", got, want)
	}
	if got := s.Location("bad"); got != "" {
		t.Fatalf("Location(invalid) = %q, want empty", got)
	}
}

func TestPaths(t *testing.T) {
	s := setupFixtureStore(t)
	entries, err := s.Paths()
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Digest)
	}
	sort.Strings(got)
	want := append([]string(nil), fixtureDigests()...)
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPathsForPrefix(t *testing.T) {
	s := setupFixtureStore(t)
	entries, err := s.PathsForPrefix("Y")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Digest[0] != 'Y' {
			t.Fatalf("entry %q does not start with Y", e.Digest)
		}
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries starting with Y, want 2", len(entries))
	}
}

// TestComputeDigestsDetectsMismatch files several payloads under their true
// digests plus one intentionally mismatched entry (filed under a claimed
// digest its content does not hash to) and checks that only that one is
// reported as a mismatch.
func TestComputeDigestsDetectsMismatch(t *testing.T) {
	const mismatched = "5DECQVIU7Y3F276SIBAKKCRGDMVXJYFV"
	base := t.TempDir()
	var fixtures []string
	for _, p := range []string{"first payload", "second payload", "third payload"} {
		d, err := digest.Compute(bytes.NewReader([]byte(p)))
		if err != nil {
			t.Fatal(err)
		}
		writeFixture(t, base, d, []byte(p))
		fixtures = append(fixtures, d)
	}
	writeFixture(t, base, mismatched, []byte("content for "+mismatched))
	fixtures = append(fixtures, mismatched)
	s := New(base)

	pairs, err := s.ComputeDigests("", 2)
	if err != nil {
		t.Fatal(err)
	}

	byExpected := make(map[string]string, len(pairs))
	for _, p := range pairs {
		byExpected[p.Expected] = p.Actual
	}

	if len(pairs) != len(fixtures) {
		t.Fatalf("got %d results, want %d", len(pairs), len(fixtures))
	}
	for _, d := range fixtures {
		actual, ok := byExpected[d]
		if !ok {
			t.Fatalf("missing result for %s", d)
		}
		if d == mismatched {
			if actual == d {
				t.Fatalf("expected mismatch for %s, got match", d)
			}
		} else if actual != d {
			t.Fatalf("expected match for %s, got %s", d, actual)
		}
	}
}

func TestCommitThenLookup(t *testing.T) {
	s := New(t.TempDir())
	payload := []byte("hello world")

	// Compute the expected digest the way the session would: the SHA-1 of
	// the decompressed payload, since Commit compresses it fresh.
	d, err := digest.Compute(bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Commit(d, d, payload); err != nil {
		t.Fatal(err)
	}
	if !s.Contains(d) {
		t.Fatal("expected store to contain committed digest")
	}
	got, err := s.ExtractBytes(d)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("ExtractBytes = %q, want %q", got, payload)
	}
}
