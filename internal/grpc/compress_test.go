package grpc

import (
	"bytes"
	"testing"
)

func TestCompressorsRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("sphere-frame "), 64)
	for _, name := range []string{"identity", "gzip", "snappy", "zstd"} {
		compressor, err := CompressorByName(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if compressor.Name() != name {
			t.Fatalf("unexpected name %q for %q", compressor.Name(), name)
		}
		compressed, err := compressor.Compress(payload)
		if err != nil {
			t.Fatalf("%s compress: %v", name, err)
		}
		if name != "identity" && len(compressed) >= len(payload) {
			t.Fatalf("%s did not shrink a repetitive payload", name)
		}
		restored, err := compressor.Decompress(compressed)
		if err != nil {
			t.Fatalf("%s decompress: %v", name, err)
		}
		if !bytes.Equal(restored, payload) {
			t.Fatalf("%s round trip mismatch", name)
		}
	}
}

func TestCompressorsRejectEmptyPayloads(t *testing.T) {
	for _, name := range []string{"gzip", "snappy", "zstd"} {
		compressor, err := CompressorByName(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if _, err := compressor.Decompress(nil); err == nil {
			t.Fatalf("%s: expected error for empty payload", name)
		}
	}
}

func TestCompressorByNameUnknown(t *testing.T) {
	if _, err := CompressorByName("brotli"); err == nil {
		t.Fatalf("expected unknown encodings to be rejected")
	}
}
