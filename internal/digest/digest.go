// Package digest converts between SHA-1 hashes and the 32-character Base32
// encoding the Wayback Machine uses to name captures.
package digest

import (
	"crypto/sha1"
	"encoding/base32"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Size is the length of a digest string.
const Size = 32

// alphabet is the Wayback Machine's Base32 character set: A-Z then digits
// 2-7, in that order, which is the RFC 4648 standard alphabet. It is spelled
// out here so the encoding used for digests is visible at a glance.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

var encoding = base32.NewEncoding(alphabet).WithPadding(base32.NoPadding)

// Encode renders a 20-byte SHA-1 hash as its 32-character Base32 string.
func Encode(sum [sha1.Size]byte) string {
	return encoding.EncodeToString(sum[:])
}

// Decode parses a 32-character Base32 string into its 20-byte SHA-1 value.
// It reports false if s is not exactly 32 characters or does not decode to
// exactly 20 bytes.
func Decode(s string) (sum [sha1.Size]byte, ok bool) {
	if len(s) != Size {
		return sum, false
	}
	out := make([]byte, encoding.DecodedLen(len(s)))
	n, err := encoding.Decode(out, []byte(s))
	if err != nil || n != sha1.Size {
		return sum, false
	}
	copy(sum[:], out[:n])
	return sum, true
}

// IsValid reports whether s has length 32 and consists only of characters
// in {2-7, A-Z}.
func IsValid(s string) bool {
	if len(s) != Size {
		return false
	}
	for _, c := range s {
		if !((c >= '2' && c <= '7') || (c >= 'A' && c <= 'Z')) {
			return false
		}
	}
	return true
}

// IsValidPrefix reports whether s is a valid (possibly empty, possibly
// partial) digest prefix: length at most 32, every character in {2-7, A-Z}.
func IsValidPrefix(s string) bool {
	if len(s) > Size {
		return false
	}
	for _, c := range s {
		if !((c >= '2' && c <= '7') || (c >= 'A' && c <= 'Z')) {
			return false
		}
	}
	return true
}

// Compute streams r and returns the Base32 encoding of its SHA-1 hash.
func Compute(r io.Reader) (string, error) {
	h := sha1.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	var sum [sha1.Size]byte
	copy(sum[:], h.Sum(nil))
	return Encode(sum), nil
}

// ComputeGzip decompresses r as gzip and returns the Base32 encoding of the
// decompressed stream's SHA-1 hash.
func ComputeGzip(r io.Reader) (string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return "", err
	}
	defer gz.Close()
	return Compute(gz)
}
