package digest

import (
	"bytes"
	"compress/gzip"
	"testing"
)

const fixtureDigest = "ZHYT52YPEOCHJD5FZINSDYXGQZI22WJ4"

func TestRoundTrip(t *testing.T) {
	sum, ok := Decode(fixtureDigest)
	if !ok {
		t.Fatalf("Decode(%q) failed", fixtureDigest)
	}
	if got := Encode(sum); got != fixtureDigest {
		t.Fatalf("Encode round-trip = %q, want %q", got, fixtureDigest)
	}
}

func TestIsValid(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{fixtureDigest, true},
		{"", false},
		{"too-short", false},
		{"00000000000000000000000000000000", false}, // right length, but '0' is not in the alphabet
		{"22222222222222222222222222222222", true},
	}
	for _, c := range cases {
		if got := IsValid(c.in); got != c.want {
			t.Errorf("IsValid(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestIsValidPrefix(t *testing.T) {
	if !IsValidPrefix("") {
		t.Error("empty prefix should be valid")
	}
	if !IsValidPrefix("Y") {
		t.Error("single-char prefix should be valid")
	}
	if IsValidPrefix("y") {
		t.Error("lowercase should be invalid")
	}
	if IsValidPrefix(fixtureDigest + "X") {
		t.Error("33-char string should be invalid prefix")
	}
}

func TestCompute(t *testing.T) {
	got, err := Compute(bytes.NewReader([]byte("hello world")))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != Size {
		t.Fatalf("Compute returned %d-char digest, want %d", len(got), Size)
	}
}

func TestComputeGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte("hello world")); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	plain, err := Compute(bytes.NewReader([]byte("hello world")))
	if err != nil {
		t.Fatal(err)
	}

	got, err := ComputeGzip(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if got != plain {
		t.Fatalf("ComputeGzip = %q, want %q", got, plain)
	}
}
