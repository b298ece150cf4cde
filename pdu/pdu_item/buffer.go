package pdu_item

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrLengthNotFinalized is returned when a child buffer is appended to its
	// parent before the child's length field was finalized.
	ErrLengthNotFinalized = errors.New("pdu_item: child length not finalized")

	// ErrBufferFinalized is returned when writing into a buffer whose length
	// was already finalized.
	ErrBufferFinalized = errors.New("pdu_item: buffer already finalized")
)

// ItemBuffer is an append-only byte builder for one length-prefixed unit of
// the association layer: either a sub-item (type, reserved, uint16 length) or
// a whole PDU (type, reserved, uint32 length). The length field always
// reflects the body written so far and excludes the header itself.
type ItemBuffer struct {
	data      []byte
	header    int
	finalized bool
}

// NewItemBuffer starts a sub-item with a 4-byte header.
func NewItemBuffer(itemType byte) *ItemBuffer {
	return &ItemBuffer{data: []byte{itemType, 0, 0, 0}, header: 4}
}

// NewPDUBuffer starts a PDU with a 6-byte header.
func NewPDUBuffer(pduType byte) *ItemBuffer {
	return &ItemBuffer{data: []byte{pduType, 0, 0, 0, 0, 0}, header: 6}
}

// Write implements io.Writer so that a dicomio.Writer can target the body.
func (b *ItemBuffer) Write(p []byte) (int, error) {
	if b.finalized {
		return 0, ErrBufferFinalized
	}
	b.data = append(b.data, p...)
	if err := b.updateLength(); err != nil {
		b.data = b.data[:len(b.data)-len(p)]
		return 0, err
	}
	return len(p), nil
}

// Append copies a finalized child onto the end of the body.
func (b *ItemBuffer) Append(child *ItemBuffer) error {
	if !child.finalized {
		return fmt.Errorf("append item 0x%02x: %w", child.Type(), ErrLengthNotFinalized)
	}
	_, err := b.Write(child.data)
	return err
}

// Finalize freezes the buffer. After this the buffer can be appended onto a
// parent, and no more bytes can be written into it.
func (b *ItemBuffer) Finalize() *ItemBuffer {
	b.finalized = true
	return b
}

func (b *ItemBuffer) Finalized() bool { return b.finalized }

func (b *ItemBuffer) Type() byte { return b.data[0] }

// BodyLen is the value of the length field.
func (b *ItemBuffer) BodyLen() int { return len(b.data) - b.header }

// Bytes returns header and body.
func (b *ItemBuffer) Bytes() []byte { return b.data }

func (b *ItemBuffer) updateLength() error {
	n := b.BodyLen()
	if b.header == 4 {
		if n > 0xffff {
			return fmt.Errorf("pdu_item: item 0x%02x body of %d bytes exceeds 65535", b.Type(), n)
		}
		binary.BigEndian.PutUint16(b.data[2:4], uint16(n))
		return nil
	}
	if uint64(n) > 0xffffffff {
		return fmt.Errorf("pdu_item: PDU body of %d bytes is too large", n)
	}
	binary.BigEndian.PutUint32(b.data[2:6], uint32(n))
	return nil
}
