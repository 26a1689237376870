package kv

import "context"

// chunkStream is a finite, restartable raft.SnapshotStream over a byte
// slice already held in memory, grounded on the design note in spec §9
// that a snapshot is "a lazy finite byte-chunk sequence with a restartable
// open" — restarting just means calling OpenSnapshot again.
type chunkStream struct {
	data []byte
	size int
	pos  int
	sent bool
}

func newChunkStream(data []byte, chunkSize int) *chunkStream {
	return &chunkStream{data: data, size: chunkSize}
}

func (c *chunkStream) Next(ctx context.Context) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if c.pos >= len(c.data) {
		if c.sent {
			return nil, false, nil
		}
		c.sent = true
		return nil, false, nil
	}
	end := c.pos + c.size
	if end > len(c.data) {
		end = len(c.data)
	}
	chunk := c.data[c.pos:end]
	c.pos = end
	c.sent = true
	return chunk, c.pos < len(c.data), nil
}

func (c *chunkStream) Close() error { return nil }
