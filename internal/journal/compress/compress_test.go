package compress

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	src := bytes.Repeat([]byte("the same line over and over\n"), 512)

	c, ok := Compress(src)
	if !ok {
		t.Fatalf("repetitive input did not compress")
	}
	if len(c) >= len(src) {
		t.Fatalf("compressed %d >= original %d", len(c), len(src))
	}

	out, err := Decompress(c)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(out, src) {
		t.Fatalf("round trip mismatch")
	}
}

func TestIncompressibleKeepsOriginal(t *testing.T) {
	// Tiny input: the bzip2 framing alone exceeds it.
	if _, ok := Compress([]byte("x")); ok {
		t.Fatalf("one byte reported as compressible")
	}
}

func TestDecompressRejectsGarbage(t *testing.T) {
	if _, err := Decompress([]byte("not bzip2 at all")); err == nil {
		t.Fatalf("garbage decompressed without error")
	}
}
