package pdu_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/giesekow/dicomlink/pdu"
	"github.com/giesekow/dicomlink/pdu/pdu_item"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v pdu.PDU) pdu.PDU {
	t.Helper()
	data, err := pdu.EncodePDU(v)
	require.NoError(t, err)
	require.Equal(t, byte(v.Type()), data[0])
	// The length field excludes the 6-byte header.
	require.Equal(t, uint32(len(data)-pdu.HeaderSize), binary.BigEndian.Uint32(data[2:6]))
	v2, err := pdu.ReadPDU(bytes.NewReader(data), 1<<20)
	require.NoError(t, err)
	return v2
}

func testAssociateItems() []pdu_item.SubItem {
	return []pdu_item.SubItem{
		&pdu_item.ApplicationContextItem{Name: pdu_item.DICOMApplicationContextItemName},
		&pdu_item.PresentationContextItem{
			Type:      pdu_item.ItemTypePresentationContextRequest,
			ContextID: 1,
			Items: []pdu_item.SubItem{
				// Odd length, gets a trailing pad byte on the wire.
				&pdu_item.AbstractSyntaxSubItem{Name: "1.2.840.10008.5.1.4.1.1.2"},
				&pdu_item.TransferSyntaxSubItem{Name: "1.2.840.10008.1.2.1"},
				&pdu_item.TransferSyntaxSubItem{Name: "1.2.840.10008.1.2"},
			},
		},
		&pdu_item.PresentationContextItem{
			Type:      pdu_item.ItemTypePresentationContextRequest,
			ContextID: 3,
			Items: []pdu_item.SubItem{
				&pdu_item.AbstractSyntaxSubItem{Name: "1.2.840.10008.1.1"},
				&pdu_item.TransferSyntaxSubItem{Name: "1.2.840.10008.1.2"},
			},
		},
		&pdu_item.UserInformationItem{
			Items: []pdu_item.SubItem{
				&pdu_item.UserInformationMaximumLengthItem{MaximumLengthReceived: 16384},
				&pdu_item.ImplementationClassUIDSubItem{Name: "1.2.826.0.1.3680043.9.7133.1.1"},
				&pdu_item.AsynchronousOperationsWindowSubItem{MaxOpsInvoked: 1, MaxOpsPerformed: 1},
				&pdu_item.RoleSelectionSubItem{SOPClassUID: "1.2.840.10008.5.1.4.1.1.2", SCURole: 1, SCPRole: 0},
				&pdu_item.ImplementationVersionNameSubItem{Name: "GODICOM_1_1"},
				&pdu_item.SubItemUnsupported{Type: 0x58, Data: []byte{1, 2}},
			},
		},
	}
}

func TestAAssociateRQRoundTrip(t *testing.T) {
	v := &pdu.AAssociateRQ{
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   "STORESCP",
		CallingAETitle:  "MODALITY1",
		Items:           testAssociateItems(),
	}
	v2 := roundTrip(t, v)
	assert.Equal(t, v, v2)
	rq := v2.(*pdu.AAssociateRQ)
	require.Len(t, rq.PresentationContexts(), 2)
	assert.Equal(t, "1.2.840.10008.5.1.4.1.1.2", rq.PresentationContexts()[0].AbstractSyntax())
	assert.Equal(t, []string{"1.2.840.10008.1.2.1", "1.2.840.10008.1.2"}, rq.PresentationContexts()[0].TransferSyntaxes())
	assert.NotNil(t, rq.UserInformation())
}

func TestAAssociateACRoundTrip(t *testing.T) {
	v := &pdu.AAssociateAC{
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   "STORESCP",
		CallingAETitle:  "MODALITY1",
		Items: []pdu_item.SubItem{
			&pdu_item.ApplicationContextItem{Name: pdu_item.DICOMApplicationContextItemName},
			&pdu_item.PresentationContextItem{
				Type:      pdu_item.ItemTypePresentationContextResponse,
				ContextID: 1,
				Result:    pdu_item.PresentationContextAccepted,
				Items:     []pdu_item.SubItem{&pdu_item.TransferSyntaxSubItem{Name: "1.2.840.10008.1.2.1"}},
			},
			&pdu_item.PresentationContextItem{
				Type:      pdu_item.ItemTypePresentationContextResponse,
				ContextID: 3,
				Result:    pdu_item.PresentationContextProviderRejectionTransferSyntaxNotSupported,
			},
			&pdu_item.UserInformationItem{
				Items: []pdu_item.SubItem{&pdu_item.UserInformationMaximumLengthItem{MaximumLengthReceived: 0}},
			},
		},
	}
	assert.Equal(t, v, roundTrip(t, v))
}

func TestSimplePDURoundTrip(t *testing.T) {
	for _, v := range []pdu.PDU{
		&pdu.AAssociateRj{Result: pdu.ResultRejectedPermanent, Source: pdu.SourceULServiceUser, Reason: pdu.RejectReasonCalledAETitleNotRecognized},
		&pdu.AReleaseRq{},
		&pdu.AReleaseRp{},
		&pdu.AAbort{Source: pdu.AbortSourceServiceProvider, Reason: pdu.AbortReasonUnexpectedPDU},
		&pdu.PDataTf{Items: []pdu.PresentationDataValueItem{
			{ContextID: 1, Command: true, Last: true, Value: []byte{1, 2, 3}},
			{ContextID: 1, Command: false, Last: false, Value: []byte("abcd")},
		}},
	} {
		t.Run(v.Type().String(), func(t *testing.T) {
			assert.Equal(t, v, roundTrip(t, v))
		})
	}
}

func TestOddUIDPadding(t *testing.T) {
	b, err := (&pdu_item.AbstractSyntaxSubItem{Name: "1.2.3"}).Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x30, 0, 0, 6, '1', '.', '2', '.', '3', ' '}, b.Bytes())
}

func TestAETitleIsSpacePadded(t *testing.T) {
	data, err := pdu.EncodePDU(&pdu.AAssociateRQ{
		ProtocolVersion: 1,
		CalledAETitle:   "SCP",
		CallingAETitle:  "SCU",
		Items:           testAssociateItems(),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("SCP             "), data[10:26])
	assert.Equal(t, []byte("SCU             "), data[26:42])
}

func TestAETitleTooLong(t *testing.T) {
	_, err := pdu.EncodePDU(&pdu.AAssociateRQ{
		ProtocolVersion: 1,
		CalledAETitle:   "THIS_TITLE_IS_TOO_LONG",
		CallingAETitle:  "SCU",
		Items:           testAssociateItems(),
	})
	assert.Error(t, err)
}

func TestAssociateRequiresApplicationContextFirst(t *testing.T) {
	items := testAssociateItems()
	// Swap the application context and the first presentation context.
	items[0], items[1] = items[1], items[0]
	data, err := pdu.EncodePDU(&pdu.AAssociateRQ{
		ProtocolVersion: 1, CalledAETitle: "SCP", CallingAETitle: "SCU", Items: items,
	})
	require.NoError(t, err)
	_, err = pdu.ReadPDU(bytes.NewReader(data), 1<<20)
	var typeErr *pdu.UnexpectedPDUTypeError
	require.True(t, errors.As(err, &typeErr), "got %v", err)
	assert.Equal(t, []byte{pdu_item.ItemTypeApplicationContext}, typeErr.Expected)
	assert.Equal(t, pdu_item.ItemTypePresentationContextRequest, typeErr.Found)
}

func TestAssociateACRejectsRequestContexts(t *testing.T) {
	data, err := pdu.EncodePDU(&pdu.AAssociateAC{
		ProtocolVersion: 1, CalledAETitle: "SCP", CallingAETitle: "SCU", Items: testAssociateItems(),
	})
	require.NoError(t, err)
	_, err = pdu.ReadPDU(bytes.NewReader(data), 1<<20)
	var typeErr *pdu.UnexpectedPDUTypeError
	require.True(t, errors.As(err, &typeErr), "got %v", err)
	assert.Equal(t, pdu_item.ItemTypePresentationContextRequest, typeErr.Found)
}

func TestEvenContextIDDecodes(t *testing.T) {
	// Parity is a negotiation concern; the codec must carry the ID through.
	items := testAssociateItems()
	items[1].(*pdu_item.PresentationContextItem).ContextID = 2
	v := &pdu.AAssociateRQ{ProtocolVersion: 1, CalledAETitle: "SCP", CallingAETitle: "SCU", Items: items}
	v2 := roundTrip(t, v).(*pdu.AAssociateRQ)
	assert.Equal(t, byte(2), v2.PresentationContexts()[0].ContextID)
}

func TestUnknownPDUType(t *testing.T) {
	_, err := pdu.ReadPDU(bytes.NewReader([]byte{0x09, 0, 0, 0, 0, 0}), 1<<20)
	var typeErr *pdu.UnexpectedPDUTypeError
	require.True(t, errors.As(err, &typeErr))
	assert.Equal(t, byte(0x09), typeErr.Found)
}

func TestReadPDUTooLarge(t *testing.T) {
	_, err := pdu.ReadPDU(bytes.NewReader([]byte{0x04, 0, 0, 1, 0, 0}), 1024)
	assert.Error(t, err)
}

func TestMaxPDUSizeLimitsOnlyPDataTf(t *testing.T) {
	v := &pdu.AAssociateRQ{
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   "STORESCP",
		CallingAETitle:  "MODALITY1",
		Items:           testAssociateItems(),
	}
	data, err := pdu.EncodePDU(v)
	require.NoError(t, err)
	require.Greater(t, len(data), 2*64)
	_, err = pdu.ReadPDU(bytes.NewReader(data), 64)
	assert.NoError(t, err)

	assert.NoError(t, pdu.CheckLength(pdu.TypeAAssociateRq, pdu.MaxAssociationPDUSize, 64))
	assert.Error(t, pdu.CheckLength(pdu.TypeAAssociateRq, pdu.MaxAssociationPDUSize+1, 1<<30))
	assert.Error(t, pdu.CheckLength(pdu.TypeAAssociateAc, 0xffffffff, 1<<30))
	assert.NoError(t, pdu.CheckLength(pdu.TypePDataTf, 100, 64))
	assert.Error(t, pdu.CheckLength(pdu.TypePDataTf, 128, 64))
}

func TestTruncatedPDU(t *testing.T) {
	data, err := pdu.EncodePDU(&pdu.AReleaseRq{})
	require.NoError(t, err)
	_, err = pdu.ReadPDU(bytes.NewReader(data[:len(data)-1]), 1024)
	assert.Error(t, err)
}

func TestReadPDVHeader(t *testing.T) {
	h, err := pdu.ReadPDVHeader(bytes.NewReader([]byte{0, 0, 0, 12, 5, 3}))
	require.NoError(t, err)
	assert.Equal(t, pdu.PDVHeader{Length: 12, ContextID: 5, Command: true, Last: true}, h)
	assert.Equal(t, uint32(10), h.ValueLength())

	_, err = pdu.ReadPDVHeader(bytes.NewReader([]byte{0, 0, 0, 1, 5, 3}))
	assert.Error(t, err)
}
