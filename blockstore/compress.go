package blockstore

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// codec wraps a reusable zstd encoder/decoder pair at the default
// level, matching spec.md §6's "Enable zstd with default level".
// klauspost/compress is the teacher's own compression library
// (go.mod: github.com/klauspost/compress), used there for block
// payload compression as well.
type codec struct {
	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("blockstore: creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("blockstore: creating zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

func (c *codec) compress(data []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.EncodeAll(data, make([]byte, 0, len(data)))
}

func (c *codec) decompress(data []byte, sizeHint int64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, err := c.dec.DecodeAll(data, make([]byte, 0, sizeHint))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	return out, nil
}

func (c *codec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enc.Close()
	c.dec.Close()
}
