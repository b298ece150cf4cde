package dimse

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/giesekow/dicomlink/commandset"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/dicomio"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// UnknownElementError is returned when a command set carries an element that
// is not defined in group 0000.
type UnknownElementError struct {
	Tag tag.Tag
}

func (e *UnknownElementError) Error() string {
	return fmt.Sprintf("dimse: unknown command element (%04x,%04x)", e.Tag.Group, e.Tag.Element)
}

// NewElement creates a command element. The value representation comes from
// the command dictionary, so v must be an integer for US/UL elements, a
// string for UI/AE/LO and []byte for AT.
func NewElement(t tag.Tag, v interface{}) (*dicom.Element, error) {
	info, ok := commandset.Find(t)
	if !ok {
		return nil, &UnknownElementError{Tag: t}
	}
	var data interface{}
	switch info.VR {
	case "US", "UL":
		switch n := v.(type) {
		case uint16:
			data = []int{int(n)}
		case uint32:
			data = []int{int(n)}
		case int:
			data = []int{n}
		case CommandDataSetType:
			data = []int{int(n)}
		case StatusCode:
			data = []int{int(n)}
		default:
			return nil, fmt.Errorf("NewElement: %s wants an integer, got %T", info.Name, v)
		}
	case "AT":
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("NewElement: %s wants []byte, got %T", info.Name, v)
		}
		data = b
	default:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("NewElement: %s wants a string, got %T", info.Name, v)
		}
		data = []string{s}
	}
	value, err := dicom.NewValue(data)
	if err != nil {
		return nil, fmt.Errorf("NewElement: %s: %w", info.Name, err)
	}
	return &dicom.Element{
		Tag:                    t,
		ValueRepresentation:    tag.GetVRKind(t, info.VR),
		RawValueRepresentation: info.VR,
		Value:                  value,
	}, nil
}

// EncodeElements writes elems in implicit VR little endian.
func EncodeElements(out io.Writer, elems []*dicom.Element) error {
	writer, err := dicom.NewWriter(out)
	if err != nil {
		return fmt.Errorf("EncodeElements: error creating writer: %w", err)
	}
	writer.SetTransferSyntax(binary.LittleEndian, true)
	for _, elem := range elems {
		if err := writer.WriteElement(elem); err != nil {
			return fmt.Errorf("EncodeElements: %s: %w", commandset.Name(elem.Tag), err)
		}
	}
	return nil
}

// elementList collects elements for an Encode method. The first failure is
// kept and later adds become no-ops.
type elementList struct {
	owner string
	elems []*dicom.Element
	err   error
}

func (l *elementList) add(t tag.Tag, v interface{}) {
	if l.err != nil {
		return
	}
	elem, err := NewElement(t, v)
	if err != nil {
		l.err = fmt.Errorf("%s.Encode: failed to create %s element: %w", l.owner, commandset.Name(t), err)
		return
	}
	l.elems = append(l.elems, elem)
}

func (l *elementList) addStatus(s Status) {
	if l.err != nil {
		return
	}
	elems, err := s.ToElements()
	if err != nil {
		l.err = fmt.Errorf("%s.Encode: failed to create Status elements: %w", l.owner, err)
		return
	}
	l.elems = append(l.elems, elems...)
}

func (l *elementList) encode(out io.Writer, extra []*dicom.Element) error {
	if l.err != nil {
		return l.err
	}
	if err := EncodeElements(out, append(l.elems, extra...)); err != nil {
		return fmt.Errorf("%s.Encode: failed to encode elements: %w", l.owner, err)
	}
	return nil
}

// decodeElements scans an implicit VR little endian command set. Every
// element must be in the command dictionary.
func decodeElements(data []byte) ([]*dicom.Element, error) {
	d := dicomio.NewReader(bufio.NewReader(bytes.NewReader(data)), binary.LittleEndian, int64(len(data)))
	var elems []*dicom.Element
	for !d.IsLimitExhausted() {
		group, err := d.ReadUInt16()
		if err != nil {
			return nil, err
		}
		element, err := d.ReadUInt16()
		if err != nil {
			return nil, err
		}
		length, err := d.ReadUInt32()
		if err != nil {
			return nil, err
		}
		t := tag.Tag{Group: group, Element: element}
		info, ok := commandset.Find(t)
		if !ok {
			return nil, &UnknownElementError{Tag: t}
		}
		if int64(length) > d.BytesLeftUntilLimit() {
			return nil, fmt.Errorf("dimse: %s: length %d overruns command set", info.Name, length)
		}
		var data interface{}
		switch info.VR {
		case "US", "UL":
			size := uint32(2)
			if info.VR == "UL" {
				size = 4
			}
			if length%size != 0 {
				return nil, fmt.Errorf("dimse: %s: length %d is not a multiple of %d", info.Name, length, size)
			}
			ints := make([]int, 0, length/size)
			for i := uint32(0); i < length/size; i++ {
				if size == 2 {
					v, err := d.ReadUInt16()
					if err != nil {
						return nil, err
					}
					ints = append(ints, int(v))
				} else {
					v, err := d.ReadUInt32()
					if err != nil {
						return nil, err
					}
					ints = append(ints, int(v))
				}
			}
			data = ints
		case "AT":
			b := make([]byte, length)
			if _, err := io.ReadFull(d, b); err != nil {
				return nil, err
			}
			data = b
		default:
			s, err := d.ReadString(length)
			if err != nil {
				return nil, err
			}
			data = []string{strings.TrimRight(s, " \x00")}
		}
		value, err := dicom.NewValue(data)
		if err != nil {
			return nil, fmt.Errorf("dimse: %s: %w", info.Name, err)
		}
		elems = append(elems, &dicom.Element{
			Tag:                    t,
			ValueRepresentation:    tag.GetVRKind(t, info.VR),
			RawValueRepresentation: info.VR,
			ValueLength:            length,
			Value:                  value,
		})
	}
	return elems, nil
}
