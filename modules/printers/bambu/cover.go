package bambu

import (
	"encoding/base64"
	"fmt"
)

// maxCoverSize caps the decoded cover image. Covers are small RGB565
// thumbnails; anything past this is a runaway assembly.
const maxCoverSize = 1 << 20

// coverAssembler reassembles a job cover image from base64 chunks spread
// across report frames. Chunks share an id; a chunk with a new id abandons
// the previous assembly.
type coverAssembler struct {
	id  string
	buf []byte
}

// add folds one chunk in. It returns the finished image on the last chunk,
// or an error when the chunk is undecodable or the assembly grows past the
// size cap. Either way a non-nil return resets the assembler.
func (c *coverAssembler) add(chunk *coverReport) ([]byte, error) {
	if chunk.ID != c.id {
		c.id = chunk.ID
		c.buf = nil
	}
	raw, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		c.reset()
		return nil, fmt.Errorf("undecodable cover chunk: %w", err)
	}
	if len(c.buf)+len(raw) > maxCoverSize {
		c.reset()
		return nil, fmt.Errorf("cover assembly exceeds %d bytes", maxCoverSize)
	}
	c.buf = append(c.buf, raw...)
	if !chunk.Last {
		return nil, nil
	}
	img := c.buf
	c.reset()
	return img, nil
}

func (c *coverAssembler) reset() {
	c.id = ""
	c.buf = nil
}
