package codec

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// Zstd is the zstd frame codec used for durable artifacts.
type Zstd struct {
	// Level selects the encoder speed/ratio trade-off.
	// The zero value means zstd.SpeedDefault.
	Level zstd.EncoderLevel
}

func (Zstd) Name() string { return "zstd" }
func (Zstd) Ext() string  { return ".zst" }

func (c Zstd) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

func (c Zstd) NewWriter(w io.Writer) (io.WriteCloser, error) {
	level := c.Level
	if level == 0 {
		level = zstd.SpeedDefault
	}
	return zstd.NewWriter(w, zstd.WithEncoderLevel(level))
}
