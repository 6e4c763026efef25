package blockdev

import (
	"errors"
	"fmt"
	"io"

	"github.com/c35s/nvmeboot/dma"
)

// Stream reads a device sequentially through a DMA bounce buffer.
type Stream struct {
	dev Device
	mem dma.Memory
	buf dma.Buffer

	lba  uint64 // next block to fetch
	end  uint64
	data []byte // unread part of buf
}

// StreamBufferSize is the bounce buffer size, rounded up to whole blocks.
const StreamBufferSize = 64 << 10

var ErrBlockSize = errors.New("blockdev: invalid block size")

// NewStream returns a stream over the blocks of dev starting at lba. Close
// releases the bounce buffer.
func NewStream(dev Device, mem dma.Memory, lba uint64) (*Stream, error) {
	bs := int(dev.BlockSize())
	if bs == 0 {
		return nil, fmt.Errorf("%w: %s: 0", ErrBlockSize, dev.Name())
	}

	if lba > dev.BlockCount() {
		return nil, fmt.Errorf("blockdev: %s: start block %d is past the end (%d)", dev.Name(), lba, dev.BlockCount())
	}

	n := (StreamBufferSize + bs - 1) / bs * bs

	buf, err := mem.Alloc(n)
	if err != nil {
		return nil, err
	}

	return &Stream{
		dev: dev,
		mem: mem,
		buf: buf,
		lba: lba,
		end: dev.BlockCount(),
	}, nil
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	if len(s.data) == 0 {
		if err := s.fill(); err != nil {
			return 0, err
		}
	}

	n := copy(p, s.data)
	s.data = s.data[n:]

	return n, nil
}

// Close releases the bounce buffer.
func (s *Stream) Close() error {
	if s.buf.Bytes == nil {
		return nil
	}

	err := s.mem.Free(s.buf)
	s.buf = dma.Buffer{}
	s.data = nil

	return err
}

func (s *Stream) fill() error {
	if s.buf.Bytes == nil {
		return io.ErrClosedPipe
	}

	if s.lba >= s.end {
		return io.EOF
	}

	bs := uint64(s.dev.BlockSize())
	count := min(uint64(len(s.buf.Bytes))/bs, s.end-s.lba)

	n, err := s.dev.ReadBlocks(s.lba, count, s.buf.Bytes)
	s.lba += n
	s.data = s.buf.Bytes[:n*bs]

	if err != nil && n == 0 {
		return fmt.Errorf("blockdev: %s: read block %d: %w", s.dev.Name(), s.lba, err)
	}

	return nil
}
