package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/giesekow/dicomlink/pdu/pdu_item"
	"github.com/suyashkumar/dicom/pkg/dicomio"
)

// P3.8 9.3.5
type PDataTf struct {
	Items []PresentationDataValueItem
}

func (PDataTf) Read(d *dicomio.Reader) (PDU, error) {
	pdu := &PDataTf{}
	for !d.IsLimitExhausted() {
		hdr, err := ReadPDVHeader(d)
		if err != nil {
			return nil, err
		}
		if int64(hdr.ValueLength()) > d.BytesLeftUntilLimit() {
			return nil, fmt.Errorf("PDV item of %d bytes overruns P-DATA-TF", hdr.ValueLength())
		}
		item := PresentationDataValueItem{
			ContextID: hdr.ContextID,
			Command:   hdr.Command,
			Last:      hdr.Last,
			Value:     make([]byte, hdr.ValueLength()),
		}
		if _, err := io.ReadFull(d, item.Value); err != nil {
			return nil, err
		}
		pdu.Items = append(pdu.Items, item)
	}
	return pdu, nil
}

func (pdu *PDataTf) Type() Type { return TypePDataTf }

func (pdu *PDataTf) WritePayload(b *pdu_item.ItemBuffer) error {
	for _, item := range pdu.Items {
		if err := item.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func (pdu *PDataTf) String() string {
	buf := bytes.Buffer{}
	buf.WriteString("P_DATA_TF{items: [")
	for i, item := range pdu.Items {
		if i > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(item.String())
	}
	buf.WriteString("]}")
	return buf.String()
}

// PDVHeaderSize is the item length, context ID and message control header
// that precedes each PDV value.
const PDVHeaderSize = 6

// PDVHeader is the fixed part of a presentation data value item.
type PDVHeader struct {
	// Length counts the context ID, the control byte and the value.
	Length    uint32
	ContextID byte
	Command   bool
	Last      bool
}

// ValueLength is the number of payload bytes following the header.
func (h PDVHeader) ValueLength() uint32 { return h.Length - 2 }

// ReadPDVHeader reads the 6 bytes preceding a PDV value. It lets a receiver
// stream the value itself instead of materializing the whole item.
func ReadPDVHeader(in io.Reader) (PDVHeader, error) {
	var b [PDVHeaderSize]byte
	if _, err := io.ReadFull(in, b[:]); err != nil {
		return PDVHeader{}, err
	}
	h := PDVHeader{
		Length:    binary.BigEndian.Uint32(b[0:4]),
		ContextID: b[4],
		Command:   b[5]&1 != 0,
		Last:      b[5]&2 != 0,
	}
	if h.Length < 2 {
		return PDVHeader{}, fmt.Errorf("PDV item length %d is shorter than its header", h.Length)
	}
	return h, nil
}

// PresentationDataValueItem is a fragment of a DIMSE command or data set.
// P3.8 9.3.5.1 and Annex E.
type PresentationDataValueItem struct {
	// Length: 2 + len(Value)
	ContextID byte

	// P3.8, E.2: the following two fields encode a single byte.
	Command bool // Bit 7 (LSB): 1 means command 0 means data
	Last    bool // Bit 6: 1 means last fragment. 0 means not last fragment.

	// Payload, either command or data
	Value []byte
}

func (v *PresentationDataValueItem) Write(b *pdu_item.ItemBuffer) error {
	var header byte
	if v.Command {
		header |= 1
	}
	if v.Last {
		header |= 2
	}
	e := dicomio.NewWriter(b, binary.BigEndian, false)
	if err := e.WriteUInt32(uint32(2 + len(v.Value))); err != nil {
		return err
	}
	if err := e.WriteBytes([]byte{v.ContextID, header}); err != nil {
		return err
	}
	return e.WriteBytes(v.Value)
}

func (v *PresentationDataValueItem) String() string {
	return fmt.Sprintf("presentationdatavalue{context: %d, cmd:%v last:%v value: %d bytes}", v.ContextID, v.Command, v.Last, len(v.Value))
}
