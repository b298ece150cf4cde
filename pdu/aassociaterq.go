package pdu

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/giesekow/dicomlink/pdu/pdu_item"
	"github.com/suyashkumar/dicom/pkg/dicomio"
)

// Defines A_ASSOCIATE_RQ. P3.8 9.3.2
type AAssociateRQ struct {
	ProtocolVersion uint16
	// Reserved uint16
	CalledAETitle  string
	CallingAETitle string
	Items          []pdu_item.SubItem
}

func (AAssociateRQ) Read(d *dicomio.Reader) (PDU, error) {
	pdu := &AAssociateRQ{}
	var err error
	pdu.ProtocolVersion, pdu.CalledAETitle, pdu.CallingAETitle, pdu.Items, err =
		readAAssociate(d, "A-ASSOCIATE-RQ", pdu_item.ItemTypePresentationContextRequest)
	if err != nil {
		return nil, err
	}
	return pdu, nil
}

func (pdu *AAssociateRQ) Type() Type { return TypeAAssociateRq }

func (pdu *AAssociateRQ) WritePayload(b *pdu_item.ItemBuffer) error {
	return writeAAssociate(b, pdu.ProtocolVersion, pdu.CalledAETitle, pdu.CallingAETitle, pdu.Items)
}

// PresentationContexts returns the proposed presentation context items.
func (pdu *AAssociateRQ) PresentationContexts() []*pdu_item.PresentationContextItem {
	return presentationContexts(pdu.Items)
}

// UserInformation returns the user information item, or nil.
func (pdu *AAssociateRQ) UserInformation() *pdu_item.UserInformationItem {
	return userInformation(pdu.Items)
}

func (pdu *AAssociateRQ) String() string {
	return fmt.Sprintf("A_ASSOCIATE_RQ{version:%v called:'%v' calling:'%v' items:%s}",
		pdu.ProtocolVersion,
		pdu.CalledAETitle, pdu.CallingAETitle, pdu_item.SubItemListString(pdu.Items))
}

// readAAssociate decodes the body shared by A-ASSOCIATE-RQ and -AC and
// checks the item sequence: application context, one or more presentation
// contexts of contextType, then user information.
func readAAssociate(d *dicomio.Reader, name string, contextType byte) (uint16, string, string, []pdu_item.SubItem, error) {
	version, err := d.ReadUInt16()
	if err != nil {
		return 0, "", "", nil, err
	}
	if err := d.Skip(2); err != nil { // Reserved
		return 0, "", "", nil, err
	}
	called, err := d.ReadString(16)
	if err != nil {
		return 0, "", "", nil, err
	}
	calling, err := d.ReadString(16)
	if err != nil {
		return 0, "", "", nil, err
	}
	if err := d.Skip(8 * 4); err != nil {
		return 0, "", "", nil, err
	}
	var items []pdu_item.SubItem
	for !d.IsLimitExhausted() {
		item, err := pdu_item.DecodeSubItem(d)
		if err != nil {
			return 0, "", "", nil, err
		}
		items = append(items, item)
	}
	called, calling = trimAETitle(called), trimAETitle(calling)
	if called == "" || calling == "" {
		return 0, "", "", nil, fmt.Errorf("%s: {Called,Calling}AETitle must not be empty", name)
	}
	if err := validateAssociateItems(name, contextType, items); err != nil {
		return 0, "", "", nil, err
	}
	return version, called, calling, items, nil
}

func validateAssociateItems(name string, contextType byte, items []pdu_item.SubItem) error {
	if len(items) == 0 {
		return fmt.Errorf("%s: application context: %w", name, pdu_item.ErrMissingSubItem)
	}
	if t := items[0].ItemType(); t != pdu_item.ItemTypeApplicationContext {
		return &UnexpectedPDUTypeError{Context: name, Expected: []byte{pdu_item.ItemTypeApplicationContext}, Found: t}
	}
	i := 1
	for i < len(items) && items[i].ItemType() == contextType {
		i++
	}
	if i == 1 {
		if i == len(items) {
			return fmt.Errorf("%s: presentation context: %w", name, pdu_item.ErrMissingSubItem)
		}
		return &UnexpectedPDUTypeError{Context: name, Expected: []byte{contextType}, Found: items[i].ItemType()}
	}
	if i == len(items) {
		return fmt.Errorf("%s: user information: %w", name, pdu_item.ErrMissingSubItem)
	}
	if t := items[i].ItemType(); t != pdu_item.ItemTypeUserInformation {
		return &UnexpectedPDUTypeError{Context: name, Expected: []byte{contextType, pdu_item.ItemTypeUserInformation}, Found: t}
	}
	if i+1 < len(items) {
		return &UnexpectedPDUTypeError{Context: name, Found: items[i+1].ItemType()}
	}
	return nil
}

func writeAAssociate(b *pdu_item.ItemBuffer, version uint16, called, calling string, items []pdu_item.SubItem) error {
	if err := checkAETitle("CalledAETitle", called); err != nil {
		return err
	}
	if err := checkAETitle("CallingAETitle", calling); err != nil {
		return err
	}
	e := dicomio.NewWriter(b, binary.BigEndian, false)
	if err := e.WriteUInt16(version); err != nil {
		return err
	}
	if err := e.WriteZeros(2); err != nil {
		return err
	}
	if err := e.WriteString(fillString(called)); err != nil {
		return err
	}
	if err := e.WriteString(fillString(calling)); err != nil {
		return err
	}
	if err := e.WriteZeros(8 * 4); err != nil {
		return err
	}
	for _, item := range items {
		child, err := item.Encode()
		if err != nil {
			return err
		}
		if err := b.Append(child); err != nil {
			return err
		}
	}
	return nil
}

func checkAETitle(field, v string) error {
	switch {
	case strings.TrimSpace(v) == "":
		return fmt.Errorf("%s cannot be empty", field)
	case len(v) > 16:
		return fmt.Errorf("%s %q is longer than 16 characters", field, v)
	case strings.ContainsRune(v, 0):
		return fmt.Errorf("%s %q contains a NUL byte", field, v)
	}
	return nil
}

func presentationContexts(items []pdu_item.SubItem) []*pdu_item.PresentationContextItem {
	var contextItems []*pdu_item.PresentationContextItem
	for _, item := range items {
		if n, ok := item.(*pdu_item.PresentationContextItem); ok {
			contextItems = append(contextItems, n)
		}
	}
	return contextItems
}

func userInformation(items []pdu_item.SubItem) *pdu_item.UserInformationItem {
	for _, item := range items {
		if n, ok := item.(*pdu_item.UserInformationItem); ok {
			return n
		}
	}
	return nil
}
