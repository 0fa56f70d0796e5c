// Package codec centralizes the stream compression used for pipeline
// artifacts.
//
// Chunk files, shard files and the final sorted stream are zstd-framed
// NDJSON (the artifact format of the source system). Intermediate merge
// scratch files use lz4, which trades ratio for speed on files that are
// deleted within the same run.
package codec

import (
	"io"
	"strings"
)

// Codec wraps a byte stream with a compression framing.
// Implementations are stateless and safe for concurrent use.
type Codec interface {
	// Name is the stable codec name ("zstd", "lz4", "none").
	Name() string
	// Ext is the file extension for artifacts using this codec,
	// including the dot, or "" for none.
	Ext() string
	NewReader(r io.Reader) (io.ReadCloser, error)
	NewWriter(w io.Writer) (io.WriteCloser, error)
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "zstd":
		return Zstd{}, true
	case "lz4":
		return LZ4{}, true
	case "none":
		return None{}, true
	default:
		return nil, false
	}
}

// ForPath selects a codec from a file name's extension.
// Unknown extensions map to None.
func ForPath(path string) Codec {
	switch {
	case strings.HasSuffix(path, ".zst"):
		return Zstd{}
	case strings.HasSuffix(path, ".lz4"):
		return LZ4{}
	default:
		return None{}
	}
}

// None is the identity codec.
type None struct{}

func (None) Name() string { return "none" }
func (None) Ext() string  { return "" }

func (None) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

func (None) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
