package session

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// gzipCompress gzips payload, tagging the archive with innerFilename the way
// the content store does, so a later promotion into the sharded store sees
// an identical byte stream.
func gzipCompress(innerFilename string, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, err
	}
	gz.Name = innerFilename
	if _, err := gz.Write(payload); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// atomicWriteBytes writes data to path via a temp file in the same
// directory followed by a rename, so concurrent readers never observe a
// partially written entry. Adapted from the filesystem cache's atomic write
// helper.
func atomicWriteBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
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
