package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single length-prefixed frame on stream transports.
const MaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
// The stream cannot be resynchronised after it.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteStream writes data preceded by its 4-byte little-endian length in a
// single Write call.
func WriteStream(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("write %d bytes: %w", len(data), ErrFrameTooLarge)
	}

	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	_, err := w.Write(buf)
	return err
}

// ReadStream reads the next length-prefixed frame from r. Zero-length frames
// are skipped. io.EOF is returned only at a clean frame boundary; a frame cut
// short yields io.ErrUnexpectedEOF.
func ReadStream(r io.Reader) ([]byte, error) {
	var header [4]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil, err
		}

		n := binary.LittleEndian.Uint32(header[:])
		if n == 0 {
			continue
		}

		if n > MaxFrameSize {
			return nil, fmt.Errorf("read %d bytes: %w", n, ErrFrameTooLarge)
		}

		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		return data, nil
	}
}
