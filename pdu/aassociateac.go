package pdu

import (
	"fmt"

	"github.com/giesekow/dicomlink/pdu/pdu_item"
	"github.com/suyashkumar/dicom/pkg/dicomio"
)

// Defines A_ASSOCIATE_AC. P3.8 9.3.3
type AAssociateAC struct {
	ProtocolVersion uint16
	// Reserved uint16
	CalledAETitle  string // The value is copied from A_ASSOCIATE_RQ
	CallingAETitle string // The value is copied from A_ASSOCIATE_RQ
	Items          []pdu_item.SubItem
}

func (AAssociateAC) Read(d *dicomio.Reader) (PDU, error) {
	pdu := &AAssociateAC{}
	var err error
	pdu.ProtocolVersion, pdu.CalledAETitle, pdu.CallingAETitle, pdu.Items, err =
		readAAssociate(d, "A-ASSOCIATE-AC", pdu_item.ItemTypePresentationContextResponse)
	if err != nil {
		return nil, err
	}
	return pdu, nil
}

func (pdu *AAssociateAC) Type() Type { return TypeAAssociateAc }

func (pdu *AAssociateAC) WritePayload(b *pdu_item.ItemBuffer) error {
	return writeAAssociate(b, pdu.ProtocolVersion, pdu.CalledAETitle, pdu.CallingAETitle, pdu.Items)
}

// PresentationContexts returns the presentation context results.
func (pdu *AAssociateAC) PresentationContexts() []*pdu_item.PresentationContextItem {
	return presentationContexts(pdu.Items)
}

// UserInformation returns the user information item, or nil.
func (pdu *AAssociateAC) UserInformation() *pdu_item.UserInformationItem {
	return userInformation(pdu.Items)
}

func (pdu *AAssociateAC) String() string {
	return fmt.Sprintf("A_ASSOCIATE_AC{version:%v called:'%v' calling:'%v' items:%s}",
		pdu.ProtocolVersion,
		pdu.CalledAETitle, pdu.CallingAETitle, pdu_item.SubItemListString(pdu.Items))
}
