package pdu

import (
	"fmt"
	"io"

	"github.com/giesekow/dicomlink/pdu/pdu_item"
	"github.com/suyashkumar/dicom/pkg/dicomio"
)

// P3.8 9.3.4
type AAssociateRj struct {
	Result RejectResultType
	Source SourceType
	Reason RejectReasonType
}

// Possible values for AAssociateRj.Result
type RejectResultType byte

const (
	ResultRejectedPermanent RejectResultType = 1
	ResultRejectedTransient RejectResultType = 2
)

// Possible values for AAssociateRj.Reason. The meaning depends on Source;
// the names below are the ACSE (source 1) ones.
type RejectReasonType byte

const (
	RejectReasonNone                               RejectReasonType = 1
	RejectReasonApplicationContextNameNotSupported RejectReasonType = 2
	RejectReasonCallingAETitleNotRecognized        RejectReasonType = 3
	RejectReasonCalledAETitleNotRecognized         RejectReasonType = 7

	// Presentation-related reasons (source 3).
	RejectReasonTemporaryCongestion RejectReasonType = 1
	RejectReasonLocalLimitExceeded  RejectReasonType = 2

	// ACSE provider reasons (source 2).
	RejectReasonProtocolVersionNotSupported RejectReasonType = 2
)

// Possible values for AAssociateRj.Source and AAbort.Source.
type SourceType byte

const (
	SourceULServiceUser                 SourceType = 1
	SourceULServiceProviderACSE         SourceType = 2
	SourceULServiceProviderPresentation SourceType = 3

	// A-ABORT uses its own numbering. P3.8 9.3.8
	AbortSourceServiceUser     SourceType = 0
	AbortSourceServiceProvider SourceType = 2
)

func (AAssociateRj) Read(d *dicomio.Reader) (PDU, error) {
	var b [4]byte
	if _, err := io.ReadFull(d, b[:]); err != nil {
		return nil, err
	}
	return &AAssociateRj{
		Result: RejectResultType(b[1]),
		Source: SourceType(b[2]),
		Reason: RejectReasonType(b[3]),
	}, nil
}

func (pdu *AAssociateRj) Type() Type { return TypeAAssociateRj }

func (pdu *AAssociateRj) WritePayload(b *pdu_item.ItemBuffer) error {
	_, err := b.Write([]byte{0, byte(pdu.Result), byte(pdu.Source), byte(pdu.Reason)})
	return err
}

func (pdu *AAssociateRj) String() string {
	return fmt.Sprintf("A_ASSOCIATE_RJ{result: %v, source: %v, reason: %v}", pdu.Result, pdu.Source, pdu.Reason)
}
