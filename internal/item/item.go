// Package item implements the snapshot-descriptor data model: Item records
// parsed from (and serialized to) CDX rows and workspace CSV logs, and
// UrlInfo values parsed from Wayback Machine archive URLs.
package item

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// TimestampLayout is the 14-digit Wayback Machine timestamp layout.
const TimestampLayout = "20060102150405"

// Parse errors. Each corresponds to one of the original implementation's
// dedicated validation failures so that callers can distinguish a missing
// field from a malformed one.
var (
	ErrMissingURL       = errors.New("item: missing url")
	ErrMissingTimestamp = errors.New("item: missing timestamp")
	ErrMissingDigest    = errors.New("item: missing digest")
	ErrMissingMimeType  = errors.New("item: missing mime type")
	ErrMissingLength    = errors.New("item: missing length")
	ErrMissingStatus    = errors.New("item: missing status code")
)

// InvalidFieldError reports a field that was present but failed to parse.
type InvalidFieldError struct {
	Field string
	Value string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("item: invalid %s: %q", e.Field, e.Value)
}

// UrlInfo is a parsed Wayback Machine archive URL.
type UrlInfo struct {
	URL       string
	Timestamp string
}

var archiveURLPattern = regexp.MustCompile(`^https?://web\.archive\.org/web/(\d{14})(?:id_|if_)?/(.+)$`)

// ParseUrlInfo parses an archive URL of the form
// http[s]://web.archive.org/web/<14-digit-ts>[id_|if_]/<captured-url>.
func ParseUrlInfo(s string) (UrlInfo, error) {
	m := archiveURLPattern.FindStringSubmatch(s)
	if m == nil {
		return UrlInfo{}, &InvalidFieldError{Field: "wayback url", Value: s}
	}
	return UrlInfo{URL: m[2], Timestamp: m[1]}, nil
}

// Item is an immutable snapshot descriptor produced by the index client and
// potentially re-issued (with a different URL/timestamp) by redirect
// resolution.
type Item struct {
	URL        string
	ArchivedAt time.Time
	Digest     string
	MimeType   string
	Length     uint32
	Status     *uint16 // nil represents the CDX "-" sentinel.
}

// Timestamp renders ArchivedAt as a 14-digit Wayback Machine timestamp.
func (it Item) Timestamp() string {
	return it.ArchivedAt.UTC().Format(TimestampLayout)
}

// StatusCode renders Status as a CDX field, "-" when absent.
func (it Item) StatusCode() string {
	if it.Status == nil {
		return "-"
	}
	return strconv.FormatUint(uint64(*it.Status), 10)
}

// WaybackURL builds the archive URL for this item. original selects the
// identity ("id_") rendering over the framed ("if_") one.
func (it Item) WaybackURL(original bool) string {
	suffix := "if_"
	if original {
		suffix = "id_"
	}
	return fmt.Sprintf("http://web.archive.org/web/%s%s/%s", it.Timestamp(), suffix, it.URL)
}

// MakeExtension returns the file extension implied by MimeType, or "" if
// none applies.
func (it Item) MakeExtension() string {
	switch it.MimeType {
	case "application/json":
		return "json"
	case "text/html":
		return "html"
	default:
		return ""
	}
}

// MakeFilename returns the canonical gzip-inner filename for this item's
// content: "<digest>.<ext>" when MakeExtension is non-empty, else the bare
// digest.
func (it Item) MakeFilename() string {
	if ext := it.MakeExtension(); ext != "" {
		return it.Digest + "." + ext
	}
	return it.Digest
}

// WithDigest returns a copy of it with Digest replaced.
func (it Item) WithDigest(digest string) Item {
	it.Digest = digest
	return it
}

// Less implements the canonical lexicographic ordering over the declared
// field tuple (url, timestamp, digest, mime_type, length, status), used for
// sorting and deduplication.
func (it Item) Less(other Item) bool {
	if it.URL != other.URL {
		return it.URL < other.URL
	}
	at, bt := it.Timestamp(), other.Timestamp()
	if at != bt {
		return at < bt
	}
	if it.Digest != other.Digest {
		return it.Digest < other.Digest
	}
	if it.MimeType != other.MimeType {
		return it.MimeType < other.MimeType
	}
	if it.Length != other.Length {
		return it.Length < other.Length
	}
	as, bs := it.StatusCode(), other.StatusCode()
	return as < bs
}

// Equal reports whether two items carry identical declared fields.
func (it Item) Equal(other Item) bool {
	return it.URL == other.URL &&
		it.Timestamp() == other.Timestamp() &&
		it.Digest == other.Digest &&
		it.MimeType == other.MimeType &&
		it.Length == other.Length &&
		it.StatusCode() == other.StatusCode()
}

func parseTimestamp(s string) (time.Time, bool) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Parse builds an Item from six already-non-empty CDX/CSV fields.
func Parse(url, timestamp, digest, mimeType, length, status string) (Item, error) {
	archivedAt, ok := parseTimestamp(timestamp)
	if !ok {
		return Item{}, &InvalidFieldError{Field: "timestamp", Value: timestamp}
	}

	lengthParsed, err := strconv.ParseUint(length, 10, 32)
	if err != nil {
		return Item{}, &InvalidFieldError{Field: "length", Value: length}
	}

	var statusParsed *uint16
	if status != "-" {
		v, err := strconv.ParseUint(status, 10, 16)
		if err != nil {
			return Item{}, &InvalidFieldError{Field: "status", Value: status}
		}
		u16 := uint16(v)
		statusParsed = &u16
	}

	return Item{
		URL:        url,
		ArchivedAt: archivedAt,
		Digest:     digest,
		MimeType:   mimeType,
		Length:     uint32(lengthParsed),
		Status:     statusParsed,
	}, nil
}

// ParseOptionalRecord builds an Item from six fields that may each be
// absent (nil), returning a dedicated "missing" error for the first absent
// required field.
func ParseOptionalRecord(url, timestamp, digest, mimeType, length, status *string) (Item, error) {
	switch {
	case url == nil:
		return Item{}, ErrMissingURL
	case timestamp == nil:
		return Item{}, ErrMissingTimestamp
	case digest == nil:
		return Item{}, ErrMissingDigest
	case mimeType == nil:
		return Item{}, ErrMissingMimeType
	case length == nil:
		return Item{}, ErrMissingLength
	case status == nil:
		return Item{}, ErrMissingStatus
	}
	return Parse(*url, *timestamp, *digest, *mimeType, *length, *status)
}

// ToRecord renders the item as the canonical six-field CSV record:
// url, timestamp, digest, mime_type, length, status.
func (it Item) ToRecord() []string {
	return []string{
		it.URL,
		it.Timestamp(),
		it.Digest,
		it.MimeType,
		strconv.FormatUint(uint64(it.Length), 10),
		it.StatusCode(),
	}
}

// FromRecord parses a six-field CSV record into an Item. Unlike
// ParseOptionalRecord, it takes the fields as plain strings and returns an
// error unless rec has exactly six of them.
func FromRecord(rec []string) (Item, error) {
	if len(rec) != 6 {
		return Item{}, fmt.Errorf("item: record has %d fields, want 6", len(rec))
	}
	return Parse(rec[0], rec[1], rec[2], rec[3], rec[4], rec[5])
}
