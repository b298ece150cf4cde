package pdu

// Implements message types defined in P3.8. It sits below the DIMSE layer.
//
// http://dicom.nema.org/medical/dicom/current/output/pdf/part08.pdf

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/giesekow/dicomlink/pdu/pdu_item"
	"github.com/suyashkumar/dicom/pkg/dicomio"
)

// PDU is the interface for DUL messages like A-ASSOCIATE-AC, P-DATA-TF.
type PDU interface {
	fmt.Stringer
	// Type is the value of the first header byte.
	Type() Type
	// WritePayload encodes the PDU body into b. The body excludes the 6-byte
	// header common to all PDU types; EncodePDU takes care of it.
	WritePayload(b *pdu_item.ItemBuffer) error
}

// Type is the first byte of a PDU.
type Type byte

const (
	TypeAAssociateRq Type = 1
	TypeAAssociateAc Type = 2
	TypeAAssociateRj Type = 3
	TypePDataTf      Type = 4
	TypeAReleaseRq   Type = 5
	TypeAReleaseRp   Type = 6
	TypeAAbort       Type = 7
)

func (t Type) String() string {
	switch t {
	case TypeAAssociateRq:
		return "A-ASSOCIATE-RQ"
	case TypeAAssociateAc:
		return "A-ASSOCIATE-AC"
	case TypeAAssociateRj:
		return "A-ASSOCIATE-RJ"
	case TypePDataTf:
		return "P-DATA-TF"
	case TypeAReleaseRq:
		return "A-RELEASE-RQ"
	case TypeAReleaseRp:
		return "A-RELEASE-RP"
	case TypeAAbort:
		return "A-ABORT"
	}
	return fmt.Sprintf("pdu(0x%02x)", byte(t))
}

// HeaderSize is the size of the type/reserved/length prefix of every PDU.
const HeaderSize = 6

// CurrentProtocolVersion is the only protocol version defined by P3.8.
const CurrentProtocolVersion uint16 = 1

// UnexpectedPDUTypeError is returned when a PDU or item type does not match
// what the surrounding structure requires.
type UnexpectedPDUTypeError = pdu_item.UnexpectedPDUTypeError

// EncodePDU serializes "pdu" into []byte.
func EncodePDU(v PDU) ([]byte, error) {
	b := pdu_item.NewPDUBuffer(byte(v.Type()))
	if err := v.WritePayload(b); err != nil {
		return nil, fmt.Errorf("encode %v: %w", v.Type(), err)
	}
	return b.Finalize().Bytes(), nil
}

// ReadHeader reads the 6-byte PDU header and returns the type and the body
// length.
func ReadHeader(in io.Reader) (Type, uint32, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(in, hdr[:]); err != nil {
		return 0, 0, err
	}
	return Type(hdr[0]), binary.BigEndian.Uint32(hdr[2:6]), nil
}

// ReadPDU reads a "pdu" from a stream. maxPDUSize defines the maximum
// possible PDU size, in bytes, accepted by the caller.
func ReadPDU(in io.Reader, maxPDUSize int) (PDU, error) {
	pduType, length, err := ReadHeader(in)
	if err != nil {
		return nil, err
	}
	if err := CheckLength(pduType, length, maxPDUSize); err != nil {
		return nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(in, payload); err != nil {
		return nil, err
	}
	return DecodePDU(pduType, payload)
}

// MaxAssociationPDUSize caps the body of every PDU other than P-DATA-TF.
// The negotiated maximum length applies to P-DATA-TF only, and an
// A-ASSOCIATE-RQ proposing many presentation contexts runs to tens of KB.
const MaxAssociationPDUSize = 1 << 20

// CheckLength guards against a declared body length that would make us
// allocate far more than we are prepared to. maxPDUSize is the maximum
// length we advertised.
func CheckLength(pduType Type, length uint32, maxPDUSize int) error {
	if pduType != TypePDataTf {
		if length > MaxAssociationPDUSize {
			return fmt.Errorf("%v: invalid length %d; the limit is %d", pduType, length, MaxAssociationPDUSize)
		}
		return nil
	}
	// *2 is just an arbitrary slack.
	if uint64(length) >= uint64(maxPDUSize)*2 {
		return fmt.Errorf("%v: invalid length %d; it's much larger than max PDU size of %d", pduType, length, maxPDUSize)
	}
	return nil
}

// DecodePDU parses a PDU body whose header was already consumed.
func DecodePDU(pduType Type, payload []byte) (PDU, error) {
	d := dicomio.NewReader(
		bufio.NewReader(bytes.NewReader(payload)),
		binary.BigEndian, // PDU is always big endian
		int64(len(payload)))
	var v PDU
	var err error
	switch pduType {
	case TypeAAssociateRq:
		v, err = AAssociateRQ{}.Read(d)
	case TypeAAssociateAc:
		v, err = AAssociateAC{}.Read(d)
	case TypeAAssociateRj:
		v, err = AAssociateRj{}.Read(d)
	case TypePDataTf:
		v, err = PDataTf{}.Read(d)
	case TypeAReleaseRq:
		v, err = AReleaseRq{}.Read(d)
	case TypeAReleaseRp:
		v, err = AReleaseRp{}.Read(d)
	case TypeAAbort:
		v, err = AAbort{}.Read(d)
	default:
		return nil, &UnexpectedPDUTypeError{
			Context:  "pdu",
			Expected: []byte{1, 2, 3, 4, 5, 6, 7},
			Found:    byte(pduType),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %v: %w", pduType, err)
	}
	if left := d.BytesLeftUntilLimit(); left > 0 {
		return nil, fmt.Errorf("decode %v: %d trailing bytes", pduType, left)
	}
	return v, nil
}

// fillString pads the string with " " up to the AE title length.
func fillString(v string) string {
	const length = 16
	if len(v) > length {
		return v[:length]
	}
	for len(v) < length {
		v += " "
	}
	return v
}

func trimAETitle(v string) string {
	return string(bytes.Trim([]byte(v), " \x00"))
}

func readByte(d *dicomio.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(d, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
