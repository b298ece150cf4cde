package pdu

import (
	"fmt"
	"io"

	"github.com/giesekow/dicomlink/pdu/pdu_item"
	"github.com/suyashkumar/dicom/pkg/dicomio"
)

type AbortReasonType byte

const (
	AbortReasonNotSpecified             AbortReasonType = 0
	AbortReasonUnrecognizedPDU          AbortReasonType = 1
	AbortReasonUnexpectedPDU            AbortReasonType = 2
	AbortReasonUnrecognizedPDUParameter AbortReasonType = 4
	AbortReasonUnexpectedPDUParameter   AbortReasonType = 5
	AbortReasonInvalidPDUParameterValue AbortReasonType = 6
)

// P3.8 9.3.8
type AAbort struct {
	Source SourceType
	Reason AbortReasonType
}

func (AAbort) Read(d *dicomio.Reader) (PDU, error) {
	var b [4]byte
	if _, err := io.ReadFull(d, b[:]); err != nil {
		return nil, err
	}
	return &AAbort{Source: SourceType(b[2]), Reason: AbortReasonType(b[3])}, nil
}

func (pdu *AAbort) Type() Type { return TypeAAbort }

func (pdu *AAbort) WritePayload(b *pdu_item.ItemBuffer) error {
	_, err := b.Write([]byte{0, 0, byte(pdu.Source), byte(pdu.Reason)})
	return err
}

func (pdu *AAbort) String() string {
	return fmt.Sprintf("A_ABORT{source:%v reason:%v}", pdu.Source, pdu.Reason)
}
