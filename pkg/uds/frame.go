package uds

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	frameHeaderSize = 4
	maxFrameSize    = 1 << 20
)

// ErrFrameTooLarge is returned for frames above the size limit.
var ErrFrameTooLarge = errors.New("uds: frame too large")

// WriteFrame writes payload prefixed with its big-endian uint32 length.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame, reusing buf when it is large enough.
func ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return buf, err
	}
	size := int(binary.BigEndian.Uint32(header[:]))
	if size > maxFrameSize {
		return buf, ErrFrameTooLarge
	}
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]
	if _, err := io.ReadFull(r, buf); err != nil {
		return buf, err
	}
	return buf, nil
}
