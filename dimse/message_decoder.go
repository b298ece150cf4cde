package dimse

import (
	"fmt"
	"sort"

	"github.com/giesekow/dicomlink/commandset"
	"github.com/suyashkumar/dicom"
	dicomtag "github.com/suyashkumar/dicom/pkg/tag"
)

// MessageDecoder hands out the elements of one command set. Every getter
// consumes the element it returns; what is left over ends up in the Extra
// field of the decoded message.
type MessageDecoder struct {
	elements map[dicomtag.Tag]*dicom.Element
}

type isOptionalElement int

const (
	RequiredElement isOptionalElement = iota
	OptionalElement
)

type CommandDataSetType uint16

const (
	// CommandDataSetTypeNull indicates that the DIMSE message has no data payload,
	// when set in dicom.TagCommandDataSetType. Any other value indicates the
	// existence of a payload.
	CommandDataSetTypeNull CommandDataSetType = 0x101

	// CommandDataSetTypeNonNull indicates that the DIMSE message has a data
	// payload, when set in dicom.TagCommandDataSetType.
	CommandDataSetTypeNonNull CommandDataSetType = 1
)

// MissingElementError is a required command element absent from the
// command set.
type MissingElementError struct {
	Tag dicomtag.Tag
}

func (e *MissingElementError) Error() string {
	return fmt.Sprintf("dimse: %s missing from command set", commandset.Name(e.Tag))
}

// newMessageDecoder indexes elems by tag. The group length carries no
// message content and is dropped.
func newMessageDecoder(elems []*dicom.Element) *MessageDecoder {
	d := &MessageDecoder{elements: make(map[dicomtag.Tag]*dicom.Element, len(elems))}
	for _, elem := range elems {
		d.elements[elem.Tag] = elem
	}
	delete(d.elements, commandset.CommandGroupLength)
	return d
}

// Decode builds the message for commandField from the remaining elements.
func (d *MessageDecoder) Decode(commandField uint16) (Message, error) {
	switch commandField {
	case CommandFieldCStoreRq:
		return CStoreRq{}.decode(d)
	case CommandFieldCStoreRsp:
		return CStoreRsp{}.decode(d)
	case CommandFieldCEchoRq:
		return CEchoRq{}.decode(d)
	case CommandFieldCEchoRsp:
		return CEchoRsp{}.decode(d)
	}
	// Keep the message ID for diagnostics.
	id, _ := d.GetUInt16(commandset.MessageID, OptionalElement)
	return nil, &UnsupportedCommandError{CommandField: commandField, MessageID: id}
}

// UnparsedElements returns the elements no getter consumed, in tag order.
func (d *MessageDecoder) UnparsedElements() []*dicom.Element {
	if len(d.elements) == 0 {
		return nil
	}
	elems := make([]*dicom.Element, 0, len(d.elements))
	for _, elem := range d.elements {
		elems = append(elems, elem)
	}
	sort.Slice(elems, func(i, j int) bool {
		a, b := elems[i].Tag, elems[j].Tag
		return a.Group < b.Group || (a.Group == b.Group && a.Element < b.Element)
	})
	return elems
}

func (d *MessageDecoder) GetStatus() (s Status, err error) {
	code, err := d.GetUInt16(commandset.Status, RequiredElement)
	if err != nil {
		return s, err
	}
	s.Status = StatusCode(code)
	s.ErrorComment, err = d.GetString(commandset.ErrorComment, OptionalElement)
	return s, err
}

func (d *MessageDecoder) GetCommandDataSetType() (CommandDataSetType, error) {
	v, err := d.GetUInt16(commandset.CommandDataSetType, RequiredElement)
	if err != nil {
		return CommandDataSetTypeNull, err
	}
	return CommandDataSetType(v), nil
}

// value returns the raw value of tag, or nil if an optional tag is absent.
func (d *MessageDecoder) value(t dicomtag.Tag, optional isOptionalElement) (interface{}, error) {
	elem := d.elements[t]
	if elem == nil {
		if optional == RequiredElement {
			return nil, &MissingElementError{Tag: t}
		}
		return nil, nil
	}
	if elem.Value == nil || elem.Value.GetValue() == nil {
		return nil, fmt.Errorf("dimse: %s has no value", commandset.Name(t))
	}
	return elem.Value.GetValue(), nil
}

// GetString returns the first value of a string element, "" if an optional
// element is absent.
func (d *MessageDecoder) GetString(t dicomtag.Tag, optional isOptionalElement) (string, error) {
	raw, err := d.value(t, optional)
	if raw == nil || err != nil {
		return "", err
	}
	v, ok := raw.([]string)
	if !ok {
		return "", fmt.Errorf("dimse: %s is %T, want a string", commandset.Name(t), raw)
	}
	delete(d.elements, t)
	if len(v) == 0 {
		return "", nil
	}
	return v[0], nil
}

// GetUInt16 returns the first value of a US element, 0 if an optional
// element is absent.
func (d *MessageDecoder) GetUInt16(t dicomtag.Tag, optional isOptionalElement) (uint16, error) {
	raw, err := d.value(t, optional)
	if raw == nil || err != nil {
		return 0, err
	}
	v, ok := raw.([]int)
	if !ok {
		return 0, fmt.Errorf("dimse: %s is %T, want an integer", commandset.Name(t), raw)
	}
	delete(d.elements, t)
	if len(v) == 0 {
		return 0, nil
	}
	if v[0] < 0 || v[0] > 0xffff {
		return 0, fmt.Errorf("dimse: %s value %d is out of range for US", commandset.Name(t), v[0])
	}
	return uint16(v[0]), nil
}
