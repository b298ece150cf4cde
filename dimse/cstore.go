package dimse

import (
	"fmt"
	"io"

	"github.com/giesekow/dicomlink/commandset"
	"github.com/suyashkumar/dicom"
)

// Priority values of (0000,0700).
const (
	PriorityMedium uint16 = 0
	PriorityHigh   uint16 = 1
	PriorityLow    uint16 = 2
)

// CStoreRq announces a data set to be stored, P3.7 9.3.1.1.
type CStoreRq struct {
	AffectedSOPClassUID                  string
	MessageID                            MessageID
	Priority                             uint16
	CommandDataSetType                   CommandDataSetType
	AffectedSOPInstanceUID               string
	MoveOriginatorApplicationEntityTitle string
	MoveOriginatorMessageID              MessageID
	Extra                                []*dicom.Element // Unparsed elements
}

func (v *CStoreRq) Encode(e io.Writer) error {
	l := elementList{owner: "CStoreRq"}
	l.add(commandset.AffectedSOPClassUID, v.AffectedSOPClassUID)
	l.add(commandset.CommandField, v.CommandField())
	l.add(commandset.MessageID, v.MessageID)
	l.add(commandset.Priority, v.Priority)
	l.add(commandset.CommandDataSetType, v.CommandDataSetType)
	l.add(commandset.AffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	if v.MoveOriginatorApplicationEntityTitle != "" {
		l.add(commandset.MoveOriginatorApplicationEntityTitle, v.MoveOriginatorApplicationEntityTitle)
	}
	if v.MoveOriginatorMessageID != 0 {
		l.add(commandset.MoveOriginatorMessageID, v.MoveOriginatorMessageID)
	}
	return l.encode(e, v.Extra)
}

func (v *CStoreRq) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *CStoreRq) CommandField() uint16 {
	return CommandFieldCStoreRq
}

func (v *CStoreRq) GetMessageID() MessageID {
	return v.MessageID
}

func (v *CStoreRq) GetStatus() *Status {
	return nil
}

func (v *CStoreRq) String() string {
	return fmt.Sprintf("CStoreRq{AffectedSOPClassUID:%v MessageID:%v Priority:%v CommandDataSetType:%v AffectedSOPInstanceUID:%v}", v.AffectedSOPClassUID, v.MessageID, v.Priority, v.CommandDataSetType, v.AffectedSOPInstanceUID)
}

func (CStoreRq) decode(d *MessageDecoder) (*CStoreRq, error) {
	v := &CStoreRq{}
	var err error
	if v.AffectedSOPClassUID, err = d.GetString(commandset.AffectedSOPClassUID, RequiredElement); err != nil {
		return nil, fmt.Errorf("CStoreRq.decode: failed to decode AffectedSOPClassUID: %w", err)
	}
	if v.MessageID, err = d.GetUInt16(commandset.MessageID, RequiredElement); err != nil {
		return nil, fmt.Errorf("CStoreRq.decode: failed to decode MessageID: %w", err)
	}
	if v.Priority, err = d.GetUInt16(commandset.Priority, RequiredElement); err != nil {
		return nil, fmt.Errorf("CStoreRq.decode: failed to decode Priority: %w", err)
	}
	if v.CommandDataSetType, err = d.GetCommandDataSetType(); err != nil {
		return nil, fmt.Errorf("CStoreRq.decode: failed to decode CommandDataSetType: %w", err)
	}
	if v.AffectedSOPInstanceUID, err = d.GetString(commandset.AffectedSOPInstanceUID, RequiredElement); err != nil {
		return nil, fmt.Errorf("CStoreRq.decode: failed to decode AffectedSOPInstanceUID: %w", err)
	}
	if v.MoveOriginatorApplicationEntityTitle, err = d.GetString(commandset.MoveOriginatorApplicationEntityTitle, OptionalElement); err != nil {
		return nil, fmt.Errorf("CStoreRq.decode: failed to decode MoveOriginatorApplicationEntityTitle: %w", err)
	}
	if v.MoveOriginatorMessageID, err = d.GetUInt16(commandset.MoveOriginatorMessageID, OptionalElement); err != nil {
		return nil, fmt.Errorf("CStoreRq.decode: failed to decode MoveOriginatorMessageID: %w", err)
	}
	v.Extra = d.UnparsedElements()
	return v, nil
}

// CStoreRsp reports the outcome of a CStoreRq, P3.7 9.3.1.2.
type CStoreRsp struct {
	AffectedSOPClassUID       string
	MessageIDBeingRespondedTo MessageID
	CommandDataSetType        CommandDataSetType
	AffectedSOPInstanceUID    string
	Status                    Status
	Extra                     []*dicom.Element // Unparsed elements
}

func (v *CStoreRsp) Encode(e io.Writer) error {
	l := elementList{owner: "CStoreRsp"}
	l.add(commandset.AffectedSOPClassUID, v.AffectedSOPClassUID)
	l.add(commandset.CommandField, v.CommandField())
	l.add(commandset.MessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	l.add(commandset.CommandDataSetType, v.CommandDataSetType)
	l.addStatus(v.Status)
	l.add(commandset.AffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	return l.encode(e, v.Extra)
}

func (v *CStoreRsp) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *CStoreRsp) CommandField() uint16 {
	return CommandFieldCStoreRsp
}

func (v *CStoreRsp) GetMessageID() MessageID {
	return v.MessageIDBeingRespondedTo
}

func (v *CStoreRsp) GetStatus() *Status {
	return &v.Status
}

func (v *CStoreRsp) String() string {
	return fmt.Sprintf("CStoreRsp{AffectedSOPClassUID:%v MessageIDBeingRespondedTo:%v CommandDataSetType:%v AffectedSOPInstanceUID:%v Status:%v}", v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.AffectedSOPInstanceUID, v.Status)
}

func (CStoreRsp) decode(d *MessageDecoder) (*CStoreRsp, error) {
	v := &CStoreRsp{}
	var err error
	if v.AffectedSOPClassUID, err = d.GetString(commandset.AffectedSOPClassUID, RequiredElement); err != nil {
		return nil, fmt.Errorf("CStoreRsp.decode: failed to decode AffectedSOPClassUID: %w", err)
	}
	if v.MessageIDBeingRespondedTo, err = d.GetUInt16(commandset.MessageIDBeingRespondedTo, RequiredElement); err != nil {
		return nil, fmt.Errorf("CStoreRsp.decode: failed to decode MessageIDBeingRespondedTo: %w", err)
	}
	if v.CommandDataSetType, err = d.GetCommandDataSetType(); err != nil {
		return nil, fmt.Errorf("CStoreRsp.decode: failed to decode CommandDataSetType: %w", err)
	}
	if v.AffectedSOPInstanceUID, err = d.GetString(commandset.AffectedSOPInstanceUID, OptionalElement); err != nil {
		return nil, fmt.Errorf("CStoreRsp.decode: failed to decode AffectedSOPInstanceUID: %w", err)
	}
	if v.Status, err = d.GetStatus(); err != nil {
		return nil, fmt.Errorf("CStoreRsp.decode: failed to decode Status: %w", err)
	}
	v.Extra = d.UnparsedElements()
	return v, nil
}
