package dimse

import (
	"fmt"
	"io"

	"github.com/giesekow/dicomlink/commandset"
	"github.com/suyashkumar/dicom"
)

// CEchoRq is a verification request, P3.7 9.3.5.1.
type CEchoRq struct {
	MessageID          MessageID
	CommandDataSetType CommandDataSetType
	Extra              []*dicom.Element // Unparsed elements
}

func (v *CEchoRq) Encode(e io.Writer) error {
	l := elementList{owner: "CEchoRq"}
	l.add(commandset.AffectedSOPClassUID, verificationSOPClassUID)
	l.add(commandset.CommandField, v.CommandField())
	l.add(commandset.MessageID, v.MessageID)
	l.add(commandset.CommandDataSetType, v.CommandDataSetType)
	return l.encode(e, v.Extra)
}

func (v *CEchoRq) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *CEchoRq) CommandField() uint16 {
	return CommandFieldCEchoRq
}

func (v *CEchoRq) GetMessageID() MessageID {
	return v.MessageID
}

func (v *CEchoRq) GetStatus() *Status {
	return nil
}

func (v *CEchoRq) String() string {
	return fmt.Sprintf("CEchoRq{MessageID:%v CommandDataSetType:%v}", v.MessageID, v.CommandDataSetType)
}

func (CEchoRq) decode(d *MessageDecoder) (*CEchoRq, error) {
	v := &CEchoRq{}
	var err error
	// Some peers omit the SOP class; it can only be Verification.
	if _, err = d.GetString(commandset.AffectedSOPClassUID, OptionalElement); err != nil {
		return nil, fmt.Errorf("CEchoRq.decode: failed to get AffectedSOPClassUID: %w", err)
	}
	v.MessageID, err = d.GetUInt16(commandset.MessageID, RequiredElement)
	if err != nil {
		return nil, fmt.Errorf("CEchoRq.decode: failed to get MessageID: %w", err)
	}
	v.CommandDataSetType, err = d.GetCommandDataSetType()
	if err != nil {
		return nil, fmt.Errorf("CEchoRq.decode: failed to get CommandDataSetType: %w", err)
	}
	v.Extra = d.UnparsedElements()
	return v, nil
}

// CEchoRsp answers a CEchoRq, P3.7 9.3.5.2.
type CEchoRsp struct {
	MessageIDBeingRespondedTo MessageID
	CommandDataSetType        CommandDataSetType
	Status                    Status
	Extra                     []*dicom.Element // Unparsed elements
}

func (v *CEchoRsp) Encode(e io.Writer) error {
	l := elementList{owner: "CEchoRsp"}
	l.add(commandset.AffectedSOPClassUID, verificationSOPClassUID)
	l.add(commandset.CommandField, v.CommandField())
	l.add(commandset.MessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	l.add(commandset.CommandDataSetType, v.CommandDataSetType)
	l.addStatus(v.Status)
	return l.encode(e, v.Extra)
}

func (v *CEchoRsp) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *CEchoRsp) CommandField() uint16 {
	return CommandFieldCEchoRsp
}

func (v *CEchoRsp) GetMessageID() MessageID {
	return v.MessageIDBeingRespondedTo
}

func (v *CEchoRsp) GetStatus() *Status {
	return &v.Status
}

func (v *CEchoRsp) String() string {
	return fmt.Sprintf("CEchoRsp{MessageIDBeingRespondedTo:%v CommandDataSetType:%v Status:%v}", v.MessageIDBeingRespondedTo, v.CommandDataSetType, v.Status)
}

func (CEchoRsp) decode(d *MessageDecoder) (*CEchoRsp, error) {
	v := &CEchoRsp{}
	var err error
	if _, err = d.GetString(commandset.AffectedSOPClassUID, OptionalElement); err != nil {
		return nil, fmt.Errorf("CEchoRsp.decode: failed to get AffectedSOPClassUID: %w", err)
	}
	v.MessageIDBeingRespondedTo, err = d.GetUInt16(commandset.MessageIDBeingRespondedTo, RequiredElement)
	if err != nil {
		return nil, fmt.Errorf("CEchoRsp.decode: failed to decode MessageIDBeingRespondedTo: %w", err)
	}
	v.CommandDataSetType, err = d.GetCommandDataSetType()
	if err != nil {
		return nil, fmt.Errorf("CEchoRsp.decode: failed to decode CommandDataSetType: %w", err)
	}
	v.Status, err = d.GetStatus()
	if err != nil {
		return nil, fmt.Errorf("CEchoRsp.decode: failed to decode Status: %w", err)
	}
	v.Extra = d.UnparsedElements()
	return v, nil
}

const verificationSOPClassUID = "1.2.840.10008.1.1"
