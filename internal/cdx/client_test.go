package cdx

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadJSON(t *testing.T) {
	f, err := os.Open(filepath.Join("..", "..", "testdata", "cdx-result.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	items, err := LoadJSON(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 37 {
		t.Fatalf("got %d items, want 37", len(items))
	}
}

func TestSearchBlockedQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(blockedSiteErrorMessage))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())

	_, err := c.Search(context.Background(), "x", nil, nil)
	var blocked *BlockedQueryError
	if err == nil {
		t.Fatal("expected error")
	}
	if be, ok := err.(*BlockedQueryError); !ok {
		t.Fatalf("got %T, want *BlockedQueryError", err)
	} else {
		blocked = be
	}
	if blocked.Query != "x" {
		t.Errorf("Query = %q, want x", blocked.Query)
	}
}

// TestStreamSearchPaginates exercises the resume-key protocol: the server
// hands back a trailing empty row followed by a resume-key row on every page
// but the last, and StreamSearch must keep paging until that trailer is
// absent, yielding every item across all pages in order.
func TestStreamSearchPaginates(t *testing.T) {
	header := `["original","timestamp","digest","mimetype","length","statuscode"]`
	row := func(n int) string {
		return fmt.Sprintf(`["https://example.com/%d","2020010100000%d","%s","text/html","10","200"]`, n, n, fmt.Sprintf("DIGEST%026d", n))
	}

	pages := []string{
		"[" + header + "," + row(1) + "," + row(2) + `,[],["resume-key-1"]]`,
		"[" + header + "," + row(3) + `,[],["resume-key-2"]]`,
		"[" + header + "," + row(4) + "]",
	}

	requestCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resumeKey := r.URL.Query().Get("resumeKey")
		var body string
		switch resumeKey {
		case "":
			body = pages[0]
		case "resume-key-1":
			body = pages[1]
		case "resume-key-2":
			body = pages[2]
		default:
			t.Fatalf("unexpected resumeKey %q", resumeKey)
		}
		requestCount++
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())

	items, errs := c.StreamSearch(context.Background(), "https://example.com/", 2)

	var got []string
	for it := range items {
		got = append(got, it.URL)
	}
	if err := <-errs; err != nil {
		t.Fatal(err)
	}

	want := []string{"https://example.com/1", "https://example.com/2", "https://example.com/3", "https://example.com/4"}
	if len(got) != len(want) {
		t.Fatalf("got %d items, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("item[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if requestCount != 3 {
		t.Fatalf("requestCount = %d, want 3 pages", requestCount)
	}
}

func TestSearchDecodesRows(t *testing.T) {
	const body = `[
		["original","timestamp","digest","mimetype","length","statuscode"],
		["https://example.com/","20201103091610","ZHYT52YPEOCHJD5FZINSDYXGQZI22WJ4","text/html","123","200"]
	]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	items, err := c.Search(context.Background(), "https://example.com/", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].Digest != "ZHYT52YPEOCHJD5FZINSDYXGQZI22WJ4" {
		t.Errorf("Digest = %q", items[0].Digest)
	}
}
