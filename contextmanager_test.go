package netdicom

import (
	"errors"
	"testing"

	"github.com/giesekow/dicomlink/pdu/pdu_item"
	"github.com/giesekow/dicomlink/sopclass"
	"github.com/grailbio/go-dicom/dicomuid"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mrImageStorageUID = sopclass.MRImageStorageUID

func newTestContextManager() *contextManager {
	log, _ := logtest.NewNullLogger()
	return newContextManager("test", sopclass.NewRegistry(), 0, log)
}

func proposal(id byte, abstractSyntax string, transferSyntaxes ...string) *pdu_item.PresentationContextItem {
	items := []pdu_item.SubItem{&pdu_item.AbstractSyntaxSubItem{Name: abstractSyntax}}
	for _, uid := range transferSyntaxes {
		items = append(items, &pdu_item.TransferSyntaxSubItem{Name: uid})
	}
	return &pdu_item.PresentationContextItem{
		Type:      pdu_item.ItemTypePresentationContextRequest,
		ContextID: id,
		Items:     items,
	}
}

// negotiateAll runs onAssociateRequest and returns the presentation context
// responses by context ID.
func negotiateAll(t *testing.T, m *contextManager, items ...pdu_item.SubItem) map[byte]*pdu_item.PresentationContextItem {
	t.Helper()
	responses, err := m.onAssociateRequest(items)
	require.NoError(t, err)
	byID := map[byte]*pdu_item.PresentationContextItem{}
	for _, item := range responses {
		if pc, ok := item.(*pdu_item.PresentationContextItem); ok {
			assert.Equal(t, pdu_item.ItemTypePresentationContextResponse, pc.Type)
			byID[pc.ContextID] = pc
		}
	}
	return byID
}

func TestNegotiateIsFirstMatchByRegistryPriority(t *testing.T) {
	m := newTestContextManager()
	// The registry ranks explicit VR LE above implicit VR LE for CT.
	got := negotiateAll(t, m, proposal(1, sopclass.CTImageStorageUID,
		dicomuid.ImplicitVRLittleEndian, dicomuid.ExplicitVRLittleEndian))
	require.Contains(t, got, byte(1))
	assert.Equal(t, pdu_item.PresentationContextAccepted, got[1].Result)
	assert.Equal(t, []string{dicomuid.ExplicitVRLittleEndian}, got[1].TransferSyntaxes())

	e, err := m.lookupByContextID(1)
	require.NoError(t, err)
	assert.Equal(t, dicomuid.ExplicitVRLittleEndian, e.transferSyntaxUID)
}

func TestNegotiateRejectsEvenContextIDOnly(t *testing.T) {
	m := newTestContextManager()
	got := negotiateAll(t, m,
		proposal(2, sopclass.CTImageStorageUID, dicomuid.ExplicitVRLittleEndian),
		proposal(3, sopclass.VerificationSOPClassUID, dicomuid.ImplicitVRLittleEndian))
	assert.Equal(t, pdu_item.PresentationContextProviderRejectionNoReason, got[2].Result)
	assert.Empty(t, got[2].Items)
	assert.Equal(t, pdu_item.PresentationContextAccepted, got[3].Result)
	require.Len(t, m.contextErrors, 1)
	assert.True(t, errors.Is(m.contextErrors[0], ErrEvenContextID))
	_, err := m.lookupByContextID(2)
	assert.Error(t, err)
}

func TestNegotiateUnsupportedAbstractSyntaxIsIsolated(t *testing.T) {
	m := newTestContextManager()
	got := negotiateAll(t, m,
		proposal(1, "1.2.3.4.5", dicomuid.ExplicitVRLittleEndian),
		proposal(3, sopclass.CTImageStorageUID, dicomuid.ExplicitVRLittleEndian))
	assert.Equal(t, pdu_item.PresentationContextProviderRejectionAbstractSyntaxNotSupported, got[1].Result)
	assert.Empty(t, got[1].Items)
	assert.Equal(t, pdu_item.PresentationContextAccepted, got[3].Result)

	e, err := m.lookupByAbstractSyntaxUID(sopclass.CTImageStorageUID)
	require.NoError(t, err)
	assert.Equal(t, byte(3), e.contextID)
	_, err = m.lookupByAbstractSyntaxUID("1.2.3.4.5")
	assert.Error(t, err)
}

func TestNegotiateNoCommonTransferSyntaxHasNoTransferSyntaxItem(t *testing.T) {
	m := newTestContextManager()
	got := negotiateAll(t, m, proposal(1, sopclass.CTImageStorageUID, "1.2.3.99"))
	assert.Equal(t, pdu_item.PresentationContextProviderRejectionTransferSyntaxNotSupported, got[1].Result)
	assert.Empty(t, got[1].Items)
	assert.Nil(t, m.preferred)
}

func TestNegotiatePaddedAbstractSyntax(t *testing.T) {
	m := newTestContextManager()
	got := negotiateAll(t, m, proposal(1, sopclass.CTImageStorageUID+" ", dicomuid.ExplicitVRLittleEndian))
	assert.Equal(t, pdu_item.PresentationContextAccepted, got[1].Result)
}

func TestPreferredTransferSyntaxIsSticky(t *testing.T) {
	m := newTestContextManager()
	negotiateAll(t, m,
		proposal(1, sopclass.CTImageStorageUID, dicomuid.ExplicitVRLittleEndian),
		proposal(3, mrImageStorageUID, dicomuid.ImplicitVRLittleEndian),
		proposal(5, sopclass.VerificationSOPClassUID, dicomuid.ExplicitVRBigEndian))
	require.NotNil(t, m.preferred)
	assert.Equal(t, byte(1), m.preferred.contextID)
	assert.Equal(t, dicomuid.ExplicitVRLittleEndian, m.preferred.transferSyntaxUID)

	// A strictly better rank replaces it.
	m = newTestContextManager()
	negotiateAll(t, m,
		proposal(1, mrImageStorageUID, dicomuid.ImplicitVRLittleEndian),
		proposal(3, sopclass.CTImageStorageUID, dicomuid.ExplicitVRLittleEndian))
	assert.Equal(t, byte(3), m.preferred.contextID)
}

func TestOnAssociateRequestWithoutContexts(t *testing.T) {
	m := newTestContextManager()
	_, err := m.onAssociateRequest([]pdu_item.SubItem{
		&pdu_item.ApplicationContextItem{Name: pdu_item.DICOMApplicationContextItemName},
	})
	assert.True(t, errors.Is(err, pdu_item.ErrMissingSubItem), "got %v", err)
}

func TestPeerUserInformation(t *testing.T) {
	m := newTestContextManager()
	responses, err := m.onAssociateRequest([]pdu_item.SubItem{
		proposal(1, sopclass.CTImageStorageUID, dicomuid.ExplicitVRLittleEndian),
		&pdu_item.UserInformationItem{Items: []pdu_item.SubItem{
			&pdu_item.UserInformationMaximumLengthItem{MaximumLengthReceived: 0},
			&pdu_item.ImplementationClassUIDSubItem{Name: "1.2.3"},
			&pdu_item.AsynchronousOperationsWindowSubItem{MaxOpsInvoked: 5, MaxOpsPerformed: 5},
			&pdu_item.RoleSelectionSubItem{SOPClassUID: sopclass.CTImageStorageUID, SCURole: 1, SCPRole: 1},
			&pdu_item.ImplementationVersionNameSubItem{Name: "PEER_1"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxPDUSize, m.peerMaxPDUSize)
	assert.Equal(t, "1.2.3", m.peerImplementationClassUID)
	assert.Equal(t, "PEER_1", m.peerImplementationVersionName)

	userInfo, ok := responses[len(responses)-1].(*pdu_item.UserInformationItem)
	require.True(t, ok)
	var sawRole, sawAsync bool
	for _, item := range userInfo.Items {
		switch v := item.(type) {
		case *pdu_item.RoleSelectionSubItem:
			sawRole = true
			assert.Equal(t, byte(1), v.SCURole)
			assert.Equal(t, byte(0), v.SCPRole)
		case *pdu_item.AsynchronousOperationsWindowSubItem:
			sawAsync = true
			assert.Equal(t, uint16(1), v.MaxOpsInvoked)
		}
	}
	assert.True(t, sawRole)
	assert.True(t, sawAsync)
}

func TestPeerMaximumLengthBelowFloor(t *testing.T) {
	for _, limit := range []uint32{1, 6, minPeerMaxPDUSize - 1} {
		userInfo := &pdu_item.UserInformationItem{Items: []pdu_item.SubItem{
			&pdu_item.UserInformationMaximumLengthItem{MaximumLengthReceived: limit},
		}}
		m := newTestContextManager()
		_, err := m.onAssociateRequest([]pdu_item.SubItem{
			proposal(1, sopclass.CTImageStorageUID, dicomuid.ExplicitVRLittleEndian),
			userInfo,
		})
		assert.ErrorContains(t, err, "maximum length", "max %d", limit)
		assert.Error(t, newTestContextManager().onAssociateResponse([]pdu_item.SubItem{userInfo}), "max %d", limit)
	}

	m := newTestContextManager()
	_, err := m.onAssociateRequest([]pdu_item.SubItem{
		proposal(1, sopclass.CTImageStorageUID, dicomuid.ExplicitVRLittleEndian),
		&pdu_item.UserInformationItem{Items: []pdu_item.SubItem{
			&pdu_item.UserInformationMaximumLengthItem{MaximumLengthReceived: minPeerMaxPDUSize},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, minPeerMaxPDUSize, m.peerMaxPDUSize)
}

func TestGenerateAssociateRequestAndResponse(t *testing.T) {
	m := newTestContextManager()
	items, err := m.generateAssociateRequest(
		[]string{sopclass.VerificationSOPClassUID, sopclass.CTImageStorageUID}, nil)
	require.NoError(t, err)
	var ids []byte
	for _, item := range items {
		if pc, ok := item.(*pdu_item.PresentationContextItem); ok {
			ids = append(ids, pc.ContextID)
			assert.NoError(t, pc.ValidateRequest())
		}
	}
	assert.Equal(t, []byte{1, 3}, ids)

	err = m.onAssociateResponse([]pdu_item.SubItem{
		&pdu_item.PresentationContextItem{
			Type: pdu_item.ItemTypePresentationContextResponse, ContextID: 1,
			Items: []pdu_item.SubItem{&pdu_item.TransferSyntaxSubItem{Name: dicomuid.ImplicitVRLittleEndian}},
		},
		&pdu_item.PresentationContextItem{
			Type: pdu_item.ItemTypePresentationContextResponse, ContextID: 3,
			Result: pdu_item.PresentationContextProviderRejectionTransferSyntaxNotSupported,
		},
		&pdu_item.UserInformationItem{Items: []pdu_item.SubItem{
			&pdu_item.UserInformationMaximumLengthItem{MaximumLengthReceived: 32768},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 32768, m.peerMaxPDUSize)
	e, err := m.lookupByAbstractSyntaxUID(sopclass.VerificationSOPClassUID)
	require.NoError(t, err)
	assert.Equal(t, dicomuid.ImplicitVRLittleEndian, e.transferSyntaxUID)
	_, err = m.lookupByAbstractSyntaxUID(sopclass.CTImageStorageUID)
	assert.Error(t, err)
}

func TestAssociateResponseWithUnproposedTransferSyntax(t *testing.T) {
	m := newTestContextManager()
	_, err := m.generateAssociateRequest([]string{sopclass.VerificationSOPClassUID},
		[]string{dicomuid.ImplicitVRLittleEndian})
	require.NoError(t, err)
	err = m.onAssociateResponse([]pdu_item.SubItem{
		&pdu_item.PresentationContextItem{
			Type: pdu_item.ItemTypePresentationContextResponse, ContextID: 1,
			Items: []pdu_item.SubItem{&pdu_item.TransferSyntaxSubItem{Name: dicomuid.ExplicitVRBigEndian}},
		},
	})
	assert.Error(t, err)
}

func TestGenerateAssociateRequestLimits(t *testing.T) {
	m := newTestContextManager()
	_, err := m.generateAssociateRequest(nil, nil)
	assert.Error(t, err)
	_, err = m.generateAssociateRequest([]string{"1.2.3.4"}, nil)
	assert.Error(t, err, "unknown SOP class without explicit transfer syntaxes")
}

// Implicit VR LE: (0008,0005) followed by a 4-byte length.
var implicitLEHead = []byte{0x08, 0x00, 0x05, 0x00, 0x0a, 0x00, 0x00, 0x00}

// Explicit VR LE: (0008,0005) CS.
var explicitLEHead = []byte{0x08, 0x00, 0x05, 0x00, 'C', 'S', 0x0a, 0x00}

// Explicit VR BE: (0008,0005) CS.
var explicitBEHead = []byte{0x00, 0x08, 0x00, 0x05, 'C', 'S', 0x00, 0x0a}

func TestSniffEncoding(t *testing.T) {
	enc, ok := sniffEncoding(implicitLEHead)
	require.True(t, ok)
	assert.Equal(t, dataEncoding{littleEndian: true, explicitVR: false}, enc)
	assert.True(t, enc.certainlyUncompressed())

	enc, ok = sniffEncoding(explicitLEHead)
	require.True(t, ok)
	assert.Equal(t, dataEncoding{littleEndian: true, explicitVR: true}, enc)
	assert.False(t, enc.certainlyUncompressed())

	enc, ok = sniffEncoding(explicitBEHead)
	require.True(t, ok)
	assert.Equal(t, dataEncoding{littleEndian: false, explicitVR: true}, enc)
	assert.True(t, enc.certainlyUncompressed())

	_, ok = sniffEncoding(implicitLEHead[:4])
	assert.False(t, ok)
	_, ok = sniffEncoding(make([]byte, 8))
	assert.False(t, ok)
}

func TestSniffFallback(t *testing.T) {
	m := newTestContextManager()
	got := negotiateAll(t, m, proposal(1, sopclass.CTImageStorageUID, sopclass.JPEGBaseline8Bit))
	require.Equal(t, pdu_item.PresentationContextAccepted, got[1].Result)
	e, err := m.lookupByContextID(1)
	require.NoError(t, err)

	uid, changed := m.sniffFallback(e, implicitLEHead)
	assert.True(t, changed)
	assert.Equal(t, dicomuid.ImplicitVRLittleEndian, uid)

	uid, changed = m.sniffFallback(e, explicitLEHead)
	assert.False(t, changed)
	assert.Equal(t, sopclass.JPEGBaseline8Bit, uid)

	uid, changed = m.sniffFallback(e, explicitBEHead)
	assert.True(t, changed)
	assert.Equal(t, dicomuid.ExplicitVRBigEndian, uid)
}

func TestSniffFallbackPrefersSiblingContext(t *testing.T) {
	m := newTestContextManager()
	negotiateAll(t, m,
		proposal(1, sopclass.CTImageStorageUID, sopclass.RLELossless),
		proposal(3, sopclass.CTImageStorageUID, dicomuid.ImplicitVRLittleEndian))
	e, err := m.lookupByContextID(1)
	require.NoError(t, err)
	uid, changed := m.sniffFallback(e, implicitLEHead)
	assert.True(t, changed)
	assert.Equal(t, dicomuid.ImplicitVRLittleEndian, uid)

	// Uncompressed contexts are never re-selected.
	e, err = m.lookupByContextID(3)
	require.NoError(t, err)
	_, changed = m.sniffFallback(e, explicitBEHead)
	assert.False(t, changed)
}
