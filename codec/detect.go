package codec

import (
	"bufio"
	"bytes"
	"io"
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// DetectReader sniffs the frame magic at the start of r and returns a
// reader that transparently decompresses zstd or lz4 input. Anything
// else is passed through unchanged.
func DetectReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, err
	}

	switch {
	case bytes.Equal(head, zstdMagic):
		return Zstd{}.NewReader(br)
	case bytes.Equal(head, lz4Magic):
		return LZ4{}.NewReader(br)
	default:
		return io.NopCloser(br), nil
	}
}
