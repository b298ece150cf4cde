package pdu_item

import (
	"encoding/binary"
	"fmt"

	"github.com/suyashkumar/dicom/pkg/dicomio"
)

// P3.8 9.3.2.3
type UserInformationItem struct {
	Items []SubItem // P3.8, Annex D.
}

func decodeUserInformationItem(d *dicomio.Reader) (*UserInformationItem, error) {
	v := &UserInformationItem{}
	for !d.IsLimitExhausted() {
		item, err := DecodeSubItem(d)
		if err != nil {
			return nil, err
		}
		v.Items = append(v.Items, item)
	}
	return v, nil
}

func (v *UserInformationItem) ItemType() byte { return ItemTypeUserInformation }

func (v *UserInformationItem) Encode() (*ItemBuffer, error) {
	b := NewItemBuffer(ItemTypeUserInformation)
	for _, s := range v.Items {
		child, err := s.Encode()
		if err != nil {
			return nil, err
		}
		if err := b.Append(child); err != nil {
			return nil, err
		}
	}
	return b.Finalize(), nil
}

func (v *UserInformationItem) String() string {
	return fmt.Sprintf("userinformation{items: %s}", SubItemListString(v.Items))
}

// P3.8 D.1
type UserInformationMaximumLengthItem struct {
	MaximumLengthReceived uint32
}

func decodeUserInformationMaximumLengthItem(d *dicomio.Reader, length uint16) (*UserInformationMaximumLengthItem, error) {
	if length != 4 {
		return nil, fmt.Errorf("UserInformationMaximumLengthItem must be 4 bytes, but found %dB", length)
	}
	n, err := d.ReadUInt32()
	if err != nil {
		return nil, err
	}
	return &UserInformationMaximumLengthItem{MaximumLengthReceived: n}, nil
}

func (v *UserInformationMaximumLengthItem) ItemType() byte {
	return ItemTypeUserInformationMaximumLength
}

func (v *UserInformationMaximumLengthItem) Encode() (*ItemBuffer, error) {
	b := NewItemBuffer(ItemTypeUserInformationMaximumLength)
	w := dicomio.NewWriter(b, binary.BigEndian, false)
	if err := w.WriteUInt32(v.MaximumLengthReceived); err != nil {
		return nil, err
	}
	return b.Finalize(), nil
}

func (v *UserInformationMaximumLengthItem) String() string {
	return fmt.Sprintf("userinformationmaximumlength{%d}", v.MaximumLengthReceived)
}

// PS3.7 Annex D.3.3.2.1
type ImplementationClassUIDSubItem struct {
	Name string
}

func (v *ImplementationClassUIDSubItem) ItemType() byte { return ItemTypeImplementationClassUID }

func (v *ImplementationClassUIDSubItem) Encode() (*ItemBuffer, error) {
	return encodeName(ItemTypeImplementationClassUID, v.Name)
}

func (v *ImplementationClassUIDSubItem) String() string {
	return fmt.Sprintf("implementationclassuid{name: \"%s\"}", v.Name)
}

// PS3.7 Annex D.3.3.2.3
type ImplementationVersionNameSubItem struct {
	Name string
}

func (v *ImplementationVersionNameSubItem) ItemType() byte {
	return ItemTypeImplementationVersionName
}

func (v *ImplementationVersionNameSubItem) Encode() (*ItemBuffer, error) {
	return encodeName(ItemTypeImplementationVersionName, v.Name)
}

func (v *ImplementationVersionNameSubItem) String() string {
	return fmt.Sprintf("implementationversionname{name: \"%s\"}", v.Name)
}

// PS3.7 Annex D.3.3.3.1
type AsynchronousOperationsWindowSubItem struct {
	MaxOpsInvoked   uint16
	MaxOpsPerformed uint16
}

func decodeAsynchronousOperationsWindowSubItem(d *dicomio.Reader, length uint16) (*AsynchronousOperationsWindowSubItem, error) {
	if length != 4 {
		return nil, fmt.Errorf("AsynchronousOperationsWindowSubItem must be 4 bytes, but found %dB", length)
	}
	invoked, err := d.ReadUInt16()
	if err != nil {
		return nil, err
	}
	performed, err := d.ReadUInt16()
	if err != nil {
		return nil, err
	}
	return &AsynchronousOperationsWindowSubItem{MaxOpsInvoked: invoked, MaxOpsPerformed: performed}, nil
}

func (v *AsynchronousOperationsWindowSubItem) ItemType() byte {
	return ItemTypeAsynchronousOperationsWindow
}

func (v *AsynchronousOperationsWindowSubItem) Encode() (*ItemBuffer, error) {
	b := NewItemBuffer(ItemTypeAsynchronousOperationsWindow)
	w := dicomio.NewWriter(b, binary.BigEndian, false)
	if err := w.WriteUInt16(v.MaxOpsInvoked); err != nil {
		return nil, err
	}
	if err := w.WriteUInt16(v.MaxOpsPerformed); err != nil {
		return nil, err
	}
	return b.Finalize(), nil
}

func (v *AsynchronousOperationsWindowSubItem) String() string {
	return fmt.Sprintf("asynchronousopswindow{invoked: %d performed: %d}",
		v.MaxOpsInvoked, v.MaxOpsPerformed)
}

// PS3.7 Annex D.3.3.4
type RoleSelectionSubItem struct {
	SOPClassUID string
	SCURole     byte
	SCPRole     byte
}

func decodeRoleSelectionSubItem(d *dicomio.Reader) (*RoleSelectionSubItem, error) {
	uidLen, err := d.ReadUInt16()
	if err != nil {
		return nil, err
	}
	uid, err := d.ReadString(uint32(uidLen))
	if err != nil {
		return nil, err
	}
	scu, err := readByte(d)
	if err != nil {
		return nil, err
	}
	scp, err := readByte(d)
	if err != nil {
		return nil, err
	}
	return &RoleSelectionSubItem{SOPClassUID: TrimName(uid), SCURole: scu, SCPRole: scp}, nil
}

func (v *RoleSelectionSubItem) ItemType() byte { return ItemTypeRoleSelection }

func (v *RoleSelectionSubItem) Encode() (*ItemBuffer, error) {
	b := NewItemBuffer(ItemTypeRoleSelection)
	w := dicomio.NewWriter(b, binary.BigEndian, false)
	uid := PadName(v.SOPClassUID)
	if err := w.WriteUInt16(uint16(len(uid))); err != nil {
		return nil, err
	}
	if err := w.WriteString(uid); err != nil {
		return nil, err
	}
	if err := w.WriteBytes([]byte{v.SCURole, v.SCPRole}); err != nil {
		return nil, err
	}
	return b.Finalize(), nil
}

func (v *RoleSelectionSubItem) String() string {
	return fmt.Sprintf("roleselection{sopclassuid: %v, scu: %v, scp: %v}", v.SOPClassUID, v.SCURole, v.SCPRole)
}
