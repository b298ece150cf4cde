package pdu_item

// Association sub-items, P3.8 9.3.2 and Annex D.

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/suyashkumar/dicom/pkg/dicomio"
)

// SubItem is the interface for DUL items, such as ApplicationContextItem,
// TransferSyntaxSubItem.
type SubItem interface {
	fmt.Stringer
	// ItemType returns the type byte the item is encoded with.
	ItemType() byte
	// Encode serializes the item into a finalized buffer ready to be appended
	// to its parent.
	Encode() (*ItemBuffer, error)
}

// Possible Type field values for SubItem.
const (
	ItemTypeApplicationContext           byte = 0x10
	ItemTypePresentationContextRequest   byte = 0x20
	ItemTypePresentationContextResponse  byte = 0x21
	ItemTypeAbstractSyntax               byte = 0x30
	ItemTypeTransferSyntax               byte = 0x40
	ItemTypeUserInformation              byte = 0x50
	ItemTypeUserInformationMaximumLength byte = 0x51
	ItemTypeImplementationClassUID       byte = 0x52
	ItemTypeAsynchronousOperationsWindow byte = 0x53
	ItemTypeRoleSelection                byte = 0x54
	ItemTypeImplementationVersionName    byte = 0x55
)

// DICOMApplicationContextItemName is the only application context defined by
// the standard.
const DICOMApplicationContextItemName = "1.2.840.10008.3.1.1.1"

// DecodeSubItem reads one item. Types this package does not model are kept
// as SubItemUnsupported so that callers can decide whether they are legal at
// their position.
func DecodeSubItem(d *dicomio.Reader) (SubItem, error) {
	itemType, err := readByte(d)
	if err != nil {
		return nil, err
	}
	if err := d.Skip(1); err != nil {
		return nil, err
	}
	length, err := d.ReadUInt16()
	if err != nil {
		return nil, err
	}
	if err := d.PushLimit(int64(length)); err != nil {
		return nil, fmt.Errorf("item 0x%02x: length %d overruns its parent: %w", itemType, length, err)
	}
	defer d.PopLimit()
	var item SubItem
	switch itemType {
	case ItemTypeApplicationContext:
		var name string
		name, err = readName(d, length)
		item = &ApplicationContextItem{Name: name}
	case ItemTypeAbstractSyntax:
		var name string
		name, err = readName(d, length)
		item = &AbstractSyntaxSubItem{Name: name}
	case ItemTypeTransferSyntax:
		var name string
		name, err = readName(d, length)
		item = &TransferSyntaxSubItem{Name: name}
	case ItemTypePresentationContextRequest, ItemTypePresentationContextResponse:
		item, err = decodePresentationContextItem(d, itemType)
	case ItemTypeUserInformation:
		item, err = decodeUserInformationItem(d)
	case ItemTypeUserInformationMaximumLength:
		item, err = decodeUserInformationMaximumLengthItem(d, length)
	case ItemTypeImplementationClassUID:
		var name string
		name, err = readName(d, length)
		item = &ImplementationClassUIDSubItem{Name: name}
	case ItemTypeAsynchronousOperationsWindow:
		item, err = decodeAsynchronousOperationsWindowSubItem(d, length)
	case ItemTypeRoleSelection:
		item, err = decodeRoleSelectionSubItem(d)
	case ItemTypeImplementationVersionName:
		var name string
		name, err = readName(d, length)
		item = &ImplementationVersionNameSubItem{Name: name}
	default:
		data := make([]byte, length)
		_, err = io.ReadFull(d, data)
		item = &SubItemUnsupported{Type: itemType, Data: data}
	}
	if err != nil {
		return nil, fmt.Errorf("item 0x%02x: %w", itemType, err)
	}
	if left := d.BytesLeftUntilLimit(); left > 0 {
		if err := d.Skip(left); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// SubItemListString formats items for debug output.
func SubItemListString(items []SubItem) string {
	buf := bytes.Buffer{}
	buf.WriteString("[")
	for i, subitem := range items {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(subitem.String())
	}
	buf.WriteString("]")
	return buf.String()
}

// PadName pads an odd-length UID or text value with one trailing space.
func PadName(v string) string {
	if len(v)%2 == 1 {
		return v + " "
	}
	return v
}

// TrimName strips the padding peers put after UIDs and names.
func TrimName(v string) string {
	return strings.TrimRight(v, " \x00")
}

func readByte(d *dicomio.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(d, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readName(d *dicomio.Reader, length uint16) (string, error) {
	s, err := d.ReadString(uint32(length))
	if err != nil {
		return "", err
	}
	return TrimName(s), nil
}

func encodeName(itemType byte, name string) (*ItemBuffer, error) {
	b := NewItemBuffer(itemType)
	if _, err := b.Write([]byte(PadName(name))); err != nil {
		return nil, err
	}
	return b.Finalize(), nil
}

// P3.8 9.3.2.1
type ApplicationContextItem struct {
	Name string
}

func (v *ApplicationContextItem) ItemType() byte { return ItemTypeApplicationContext }

func (v *ApplicationContextItem) Encode() (*ItemBuffer, error) {
	return encodeName(ItemTypeApplicationContext, v.Name)
}

func (v *ApplicationContextItem) String() string {
	return fmt.Sprintf("applicationcontext{name: \"%s\"}", v.Name)
}

// P3.8 9.3.2.2.1
type AbstractSyntaxSubItem struct {
	Name string
}

func (v *AbstractSyntaxSubItem) ItemType() byte { return ItemTypeAbstractSyntax }

func (v *AbstractSyntaxSubItem) Encode() (*ItemBuffer, error) {
	return encodeName(ItemTypeAbstractSyntax, v.Name)
}

func (v *AbstractSyntaxSubItem) String() string {
	return fmt.Sprintf("abstractsyntax{name: \"%s\"}", v.Name)
}

// P3.8 9.3.2.2.2
type TransferSyntaxSubItem struct {
	Name string
}

func (v *TransferSyntaxSubItem) ItemType() byte { return ItemTypeTransferSyntax }

func (v *TransferSyntaxSubItem) Encode() (*ItemBuffer, error) {
	return encodeName(ItemTypeTransferSyntax, v.Name)
}

func (v *TransferSyntaxSubItem) String() string {
	return fmt.Sprintf("transfersyntax{name: \"%s\"}", v.Name)
}

// Container for subitems that this package doesnt' support
type SubItemUnsupported struct {
	Type byte
	Data []byte
}

func (item *SubItemUnsupported) ItemType() byte { return item.Type }

func (item *SubItemUnsupported) Encode() (*ItemBuffer, error) {
	b := NewItemBuffer(item.Type)
	if _, err := b.Write(item.Data); err != nil {
		return nil, err
	}
	return b.Finalize(), nil
}

func (item *SubItemUnsupported) String() string {
	return fmt.Sprintf("subitemunsupported{type: 0x%0x data: %dbytes}",
		item.Type, len(item.Data))
}
