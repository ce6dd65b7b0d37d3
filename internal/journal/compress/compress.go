// Package compress wraps the bzip2 codec used for large data object
// payloads. Compression is only worth the cycles when it actually shrinks
// the payload, so Compress reports whether the caller should store the
// compressed form or keep the original.
package compress

import (
	"bytes"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/pkg/errors"
)

// Compress returns the bzip2-compressed form of src and true, or nil and
// false when compression would not make it smaller.
func Compress(src []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(src); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(src) {
		return nil, false
	}
	return buf.Bytes(), true
}

// Decompress inflates a payload stored compressed.
func Decompress(src []byte) ([]byte, error) {
	r, err := bzip2.NewReader(bytes.NewReader(src), nil)
	if err != nil {
		return nil, errors.Wrap(err, "bzip2 reader")
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "bzip2 decompress")
	}
	return out, nil
}
