package content

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wayback-go/crawler/internal/digest"
	"github.com/wayback-go/crawler/internal/item"
)

// newNonFollowingClient builds an *http.Client that never auto-follows
// redirects, mirroring the content client's production configuration.
func newNonFollowingClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// redirectToTestServer rewrites every outbound request onto srv, so the
// client's hardcoded "web.archive.org" URLs land on the fake server.
type redirectToTestServer struct{ srv *httptest.Server }

func (r redirectToTestServer) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = "http"
	clone.URL.Host = r.srv.Listener.Addr().String()
	clone.Host = clone.URL.Host
	return http.DefaultTransport.RoundTrip(clone)
}

func TestResolveRedirectGuessSucceeds(t *testing.T) {
	const nextURL = "https://example.com/target"
	const nextTimestamp = "20201103091611"
	const terminalURL = "https://example.com/terminal"
	const terminalTimestamp = "20201103091612"

	guess := guessRedirectContent(nextURL)
	expectedDigest, err := digest.Compute(bytes.NewReader([]byte(guess)))
	if err != nil {
		t.Fatal(err)
	}

	headCount := 0
	getCount := 0

	// A bare handler, since ServeMux would redirect the "//" in archive paths.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead && r.URL.Path == "/web/20201103091600id_/https://example.com/initial":
			headCount++
			w.Header().Set("Location", "http://web.archive.org/web/"+nextTimestamp+"id_/"+nextURL)
			w.WriteHeader(http.StatusFound)
		case r.Method == http.MethodHead && r.URL.Path == "/web/"+nextTimestamp+"id_/"+nextURL:
			headCount++
			w.Header().Set("Location", "http://web.archive.org/web/"+terminalTimestamp+"id_/"+terminalURL)
			w.WriteHeader(http.StatusFound)
		case r.Method == http.MethodGet:
			getCount++
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	srv := httptest.NewServer(handler)
	defer srv.Close()

	c := New(newNonFollowingClient())
	c.HTTPClient.Transport = redirectToTestServer{srv: srv}

	res, err := c.ResolveRedirect(context.Background(), "https://example.com/initial", "20201103091600", expectedDigest)
	if err != nil {
		t.Fatal(err)
	}
	if res.URL != terminalURL || res.Timestamp != terminalTimestamp {
		t.Fatalf("got (%s, %s)", res.URL, res.Timestamp)
	}
	if !res.ValidInitialContent || !res.ValidDigest {
		t.Fatalf("expected valid guess, got %+v", res)
	}
	if getCount != 0 {
		t.Fatalf("expected zero GETs on guess-success path, got %d", getCount)
	}
	if headCount != 2 {
		t.Fatalf("expected exactly 2 HEADs, got %d", headCount)
	}
}

func TestResolveRedirectGuessFails(t *testing.T) {
	const nextURL = "https://example.com/target"
	const nextTimestamp = "20201103091611"
	const terminalURL = "https://example.com/terminal"
	const terminalTimestamp = "20201103091612"
	const actualBody = "<html>not the template</html>"

	actualDigest, err := digest.Compute(bytes.NewReader([]byte(actualBody)))
	if err != nil {
		t.Fatal(err)
	}

	// A bare handler, since ServeMux would redirect the "//" in archive paths.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead && r.URL.Path == "/web/20201103091600id_/https://example.com/initial":
			w.Header().Set("Location", "http://web.archive.org/web/"+nextTimestamp+"id_/"+nextURL)
			w.WriteHeader(http.StatusFound)
		case r.Method == http.MethodGet && r.URL.Path == "/web/20201103091600id_/https://example.com/initial":
			w.Write([]byte(actualBody))
		case r.Method == http.MethodHead && r.URL.Path == "/web/"+nextTimestamp+"id_/"+nextURL:
			w.Header().Set("Location", "http://web.archive.org/web/"+terminalTimestamp+"id_/"+terminalURL)
			w.WriteHeader(http.StatusFound)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	srv := httptest.NewServer(handler)
	defer srv.Close()

	c := New(newNonFollowingClient())
	c.HTTPClient.Transport = redirectToTestServer{srv: srv}

	res, err := c.ResolveRedirect(context.Background(), "https://example.com/initial", "20201103091600", actualDigest)
	if err != nil {
		t.Fatal(err)
	}
	if res.ValidInitialContent {
		t.Fatal("expected ValidInitialContent = false after guess mismatch")
	}
	if !res.ValidDigest {
		t.Fatal("expected ValidDigest = true: fetched content matches expected digest")
	}
	if string(res.Content) != actualBody {
		t.Fatalf("Content = %q, want %q", res.Content, actualBody)
	}
}

func TestResolveRedirectShallow(t *testing.T) {
	const nextURL = "https://example.com/target"
	const nextTimestamp = "20201103091611"

	cases := []struct {
		name        string
		expectedEq  bool // whether expectedDigest matches the guess
		wantValid   bool
		wantContent string
	}{
		{name: "guess matches", expectedEq: true, wantValid: true},
		{name: "guess mismatches, falls back to GET", expectedEq: false, wantValid: true, wantContent: "<html>actual body</html>"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			guess := guessRedirectContent(nextURL)
			guessDigest, err := digest.Compute(bytes.NewReader([]byte(guess)))
			if err != nil {
				t.Fatal(err)
			}

			var expectedDigest string
			if tc.expectedEq {
				expectedDigest = guessDigest
				tc.wantContent = guess
			} else {
				expectedDigest, err = digest.Compute(bytes.NewReader([]byte(tc.wantContent)))
				if err != nil {
					t.Fatal(err)
				}
			}

			// A bare handler, since ServeMux would redirect the "//" in archive paths.
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch {
				case r.Method == http.MethodHead:
					w.Header().Set("Location", "http://web.archive.org/web/"+nextTimestamp+"id_/"+nextURL)
					w.WriteHeader(http.StatusFound)
				case r.Method == http.MethodGet:
					w.Write([]byte(tc.wantContent))
				default:
					t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
				}
			})

			srv := httptest.NewServer(handler)
			defer srv.Close()

			c := New(newNonFollowingClient())
			c.HTTPClient.Transport = redirectToTestServer{srv: srv}

			res, err := c.ResolveRedirectShallow(context.Background(), "https://example.com/initial", "20201103091600", expectedDigest)
			if err != nil {
				t.Fatal(err)
			}
			if res.Next.URL != nextURL || res.Next.Timestamp != nextTimestamp {
				t.Fatalf("Next = %+v", res.Next)
			}
			if res.ValidDigest != tc.wantValid {
				t.Fatalf("ValidDigest = %v, want %v", res.ValidDigest, tc.wantValid)
			}
			if res.Content != tc.wantContent {
				t.Fatalf("Content = %q, want %q", res.Content, tc.wantContent)
			}
		})
	}
}

func TestParseUrlInfoExported(t *testing.T) {
	info, err := item.ParseUrlInfo("http://web.archive.org/web/20201103091610id_/https://twitter.com/travisbrown/status/1323554460765925376")
	if err != nil {
		t.Fatal(err)
	}
	if info.Timestamp != "20201103091610" {
		t.Fatalf("Timestamp = %q", info.Timestamp)
	}
}
