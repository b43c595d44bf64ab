package netx

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize - Upper bound on a single frame; larger length prefixes close the connection.
const MaxFrameSize = 4 << 20

// writeFrame - Writes data prefixed with its big endian uint32 length.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit of %d", len(data), MaxFrameSize)
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	lenb := make([]byte, 4)
	if _, err := io.ReadFull(r, lenb); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenb)
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", n, MaxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
