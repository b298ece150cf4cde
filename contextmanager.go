package netdicom

import (
	"fmt"

	"github.com/giesekow/dicomlink/pdu/pdu_item"
	"github.com/giesekow/dicomlink/sopclass"
	godicom "github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomlog"
	"github.com/sirupsen/logrus"
)

// DefaultMaxPDUSize is the maximum PDU body we advertise, and what we assume
// for a peer that advertises zero (unlimited).
const DefaultMaxPDUSize = 16384

// minPeerMaxPDUSize is the smallest maximum length we accept from a peer.
// Smaller values would fragment every message into tiny P-DATA-TF PDUs.
const minPeerMaxPDUSize = 256

type contextManagerEntry struct {
	contextID         byte
	abstractSyntaxUID string
	abstractSyntax    int // index in the registry, -1 if unknown
	transferSyntaxUID string
	transferSyntax    int // index in the registry, -1 if none selected
	// Registry indexes of the transfer syntaxes the peer proposed for this
	// context, in proposal order. Acceptor side only.
	proposed []int
	result   pdu_item.PresentationContextResult // was this mapping accepted by the server?
}

// contextManager manages mappings between a contextID and the corresponding
// abstract-syntax UID (aka SOP).  UID is of form "1.2.840.10008.5.1.4.1.1.1.2".
type contextManager struct {
	label    string // for diagnostics only.
	registry *sopclass.Registry
	log      logrus.FieldLogger

	localMaxPDUSize int

	// The two maps are inverses of each other. abstractSyntaxNameToContextIDMap
	// holds the first accepted context of each abstract syntax.
	contextIDToAbstractSyntaxNameMap map[byte]*contextManagerEntry
	abstractSyntaxNameToContextIDMap map[string]*contextManagerEntry
	// Every context in negotiation order.
	contexts []*contextManagerEntry

	// preferred is the accepted context whose transfer syntax ranks highest
	// in the registry. Once set it is only replaced by a strictly better rank.
	preferred *contextManagerEntry

	// Negotiation errors confined to one context, e.g. ErrEvenContextID.
	contextErrors []error

	// Info about the the other side of the communication, gleaned from
	// A-ASSOCIATE-* pdu.
	peerMaxPDUSize int
	// UID that identifies the peer type. It's supposed to be globally unique.
	peerImplementationClassUID string
	// Implementation version, virtually meaningless since its format isn't standardized.
	peerImplementationVersionName string

	// tmpRequests used only on the client (requestor) side. It holds the
	// contextid->presentationcontext mapping generated from the
	// A_ASSOCIATE_RQ PDU. Once an A_ASSOCIATE_AC PDU arrives, tmpRequests
	// is matched against the response PDU and
	// contextid->{abstractsyntax,transfersyntax} mappings are filled.
	tmpRequests map[byte]*pdu_item.PresentationContextItem
}

func newContextManager(label string, registry *sopclass.Registry, localMaxPDUSize int, log logrus.FieldLogger) *contextManager {
	if localMaxPDUSize <= 0 {
		localMaxPDUSize = DefaultMaxPDUSize
	}
	return &contextManager{
		label:                            label,
		registry:                         registry,
		log:                              log,
		localMaxPDUSize:                  localMaxPDUSize,
		contextIDToAbstractSyntaxNameMap: make(map[byte]*contextManagerEntry),
		abstractSyntaxNameToContextIDMap: make(map[string]*contextManagerEntry),
		peerMaxPDUSize:                   DefaultMaxPDUSize, // The default value used by Osirix & pynetdicom.
		tmpRequests:                      make(map[byte]*pdu_item.PresentationContextItem),
	}
}

// Called by the user (client) to produce a list to be embedded in an
// A_REQUEST_RQ.Items. An empty transferSyntaxUIDs proposes the registry's
// priority list of each SOP class.
func (m *contextManager) generateAssociateRequest(sopClassUIDs []string, transferSyntaxUIDs []string) ([]pdu_item.SubItem, error) {
	items := []pdu_item.SubItem{
		&pdu_item.ApplicationContextItem{Name: pdu_item.DICOMApplicationContextItemName},
	}
	if len(sopClassUIDs) == 0 || len(sopClassUIDs) > 128 {
		return nil, fmt.Errorf("dicom.generateAssociateRequest(%s): %d SOP classes, want 1 to 128", m.label, len(sopClassUIDs))
	}
	var contextID byte = 1
	for _, sop := range sopClassUIDs {
		syntaxes := transferSyntaxUIDs
		if len(syntaxes) == 0 {
			as, ok := m.registry.LookupAbstractSyntax(sop)
			if !ok {
				return nil, fmt.Errorf("dicom.generateAssociateRequest(%s): unknown SOP class %s", m.label, sopclass.Describe(sop))
			}
			for _, i := range m.registry.AbstractSyntax(as).TransferSyntaxes {
				syntaxes = append(syntaxes, m.registry.TransferSyntax(i).UID)
			}
		}
		syntaxItems := []pdu_item.SubItem{&pdu_item.AbstractSyntaxSubItem{Name: sop}}
		for _, uid := range syntaxes {
			syntaxItems = append(syntaxItems, &pdu_item.TransferSyntaxSubItem{Name: uid})
		}
		item := &pdu_item.PresentationContextItem{
			Type:      pdu_item.ItemTypePresentationContextRequest,
			ContextID: contextID,
			Items:     syntaxItems,
		}
		items = append(items, item)
		m.tmpRequests[contextID] = item
		contextID += 2 // must be odd. Wraps to 1 after the 128th, which is never used.
	}
	items = append(items, &pdu_item.UserInformationItem{
		Items: []pdu_item.SubItem{
			&pdu_item.UserInformationMaximumLengthItem{MaximumLengthReceived: uint32(m.localMaxPDUSize)},
			&pdu_item.ImplementationClassUIDSubItem{Name: godicom.GoDICOMImplementationClassUID},
			&pdu_item.ImplementationVersionNameSubItem{Name: godicom.GoDICOMImplementationVersionName},
		}})
	return items, nil
}

// Called when A_ASSOCIATE_RQ pdu arrives, on the provider side. Returns a
// list of items to be sent in the A_ASSOCIATE_AC pdu. An error means the
// request lacks a mandatory item and the association must be rejected.
func (m *contextManager) onAssociateRequest(requestItems []pdu_item.SubItem) ([]pdu_item.SubItem, error) {
	responses := []pdu_item.SubItem{
		&pdu_item.ApplicationContextItem{Name: pdu_item.DICOMApplicationContextItemName},
	}
	userInfo, _ := m.onPeerUserInformation(&pdu_item.UserInformationItem{}, true)
	numContexts := 0
	for _, requestItem := range requestItems {
		switch ri := requestItem.(type) {
		case *pdu_item.PresentationContextItem:
			numContexts++
			response, err := m.negotiate(ri)
			if err != nil {
				return nil, err
			}
			responses = append(responses, response)
		case *pdu_item.UserInformationItem:
			var err error
			if userInfo, err = m.onPeerUserInformation(ri, true); err != nil {
				return nil, err
			}
		}
	}
	if numContexts == 0 {
		return nil, fmt.Errorf("dicom.onAssociateRequest(%s): presentation context: %w", m.label, pdu_item.ErrMissingSubItem)
	}
	responses = append(responses, &pdu_item.UserInformationItem{Items: userInfo})

	fields := logrus.Fields{
		"label":    m.label,
		"contexts": numContexts,
		"version":  m.peerImplementationVersionName,
	}
	if m.preferred != nil {
		fields["preferred"] = m.preferred.transferSyntaxUID
	}
	m.log.WithFields(fields).Debug("negotiated presentation contexts")
	return responses, nil
}

// negotiate selects the transfer syntax of one proposed context.
func (m *contextManager) negotiate(ri *pdu_item.PresentationContextItem) (*pdu_item.PresentationContextItem, error) {
	response := &pdu_item.PresentationContextItem{
		Type:      pdu_item.ItemTypePresentationContextResponse,
		ContextID: ri.ContextID,
	}
	if ri.ContextID%2 == 0 {
		err := fmt.Errorf("dicom.onAssociateRequest(%s): context %d: %w", m.label, ri.ContextID, ErrEvenContextID)
		dicomlog.Vprintf(0, "%v", err)
		m.contextErrors = append(m.contextErrors, err)
		response.Result = pdu_item.PresentationContextProviderRejectionNoReason
		return response, nil
	}
	sopUID := pdu_item.TrimName(ri.AbstractSyntax())
	if sopUID == "" {
		return nil, fmt.Errorf("dicom.onAssociateRequest(%s): context %d: abstract syntax: %w", m.label, ri.ContextID, pdu_item.ErrMissingSubItem)
	}
	e := &contextManagerEntry{
		contextID:         ri.ContextID,
		abstractSyntaxUID: sopUID,
		abstractSyntax:    -1,
		transferSyntax:    -1,
	}
	proposed := ri.TransferSyntaxes()
	for _, uid := range proposed {
		if i, ok := m.registry.LookupTransferSyntax(uid); ok {
			e.proposed = append(e.proposed, i)
		}
	}
	as, ok := m.registry.LookupAbstractSyntax(sopUID)
	switch {
	case !ok:
		e.result = pdu_item.PresentationContextProviderRejectionAbstractSyntaxNotSupported
	default:
		e.abstractSyntax = as
		ts, ok := m.registry.SelectTransferSyntax(as, proposed)
		if !ok {
			e.result = pdu_item.PresentationContextProviderRejectionTransferSyntaxNotSupported
			break
		}
		e.result = pdu_item.PresentationContextAccepted
		e.transferSyntax = ts
		e.transferSyntaxUID = m.registry.TransferSyntax(ts).UID
		response.Items = []pdu_item.SubItem{&pdu_item.TransferSyntaxSubItem{Name: e.transferSyntaxUID}}
		if m.preferred == nil || ts < m.preferred.transferSyntax {
			m.preferred = e
		}
	}
	response.Result = e.result
	dicomlog.Vprintf(1, "dicom.onAssociateRequest(%s): context %d %s: %v %s",
		m.label, e.contextID, sopclass.Describe(sopUID), e.result, e.transferSyntaxUID)
	m.addContextMapping(e)
	return response, nil
}

// onPeerUserInformation records what the peer told about itself. When
// respond is set it returns the user information sub-items of our answer.
func (m *contextManager) onPeerUserInformation(ri *pdu_item.UserInformationItem, respond bool) ([]pdu_item.SubItem, error) {
	var roles []pdu_item.SubItem
	var asyncWindow pdu_item.SubItem
	for _, subItem := range ri.Items {
		switch c := subItem.(type) {
		case *pdu_item.UserInformationMaximumLengthItem:
			switch {
			case c.MaximumLengthReceived == 0:
				m.peerMaxPDUSize = DefaultMaxPDUSize
			case c.MaximumLengthReceived < minPeerMaxPDUSize:
				return nil, fmt.Errorf("dicom.onPeerUserInformation(%s): maximum length %d is below %d",
					m.label, c.MaximumLengthReceived, minPeerMaxPDUSize)
			default:
				m.peerMaxPDUSize = int(c.MaximumLengthReceived)
			}
		case *pdu_item.ImplementationClassUIDSubItem:
			m.peerImplementationClassUID = c.Name
		case *pdu_item.ImplementationVersionNameSubItem:
			m.peerImplementationVersionName = c.Name
		case *pdu_item.RoleSelectionSubItem:
			// We only act as the SCP of the storage classes, so the peer may
			// be SCU but not SCP.
			roles = append(roles, &pdu_item.RoleSelectionSubItem{
				SOPClassUID: c.SOPClassUID,
				SCURole:     c.SCURole,
				SCPRole:     0,
			})
		case *pdu_item.AsynchronousOperationsWindowSubItem:
			asyncWindow = &pdu_item.AsynchronousOperationsWindowSubItem{MaxOpsInvoked: 1, MaxOpsPerformed: 1}
		}
	}
	if !respond {
		return nil, nil
	}
	items := []pdu_item.SubItem{
		&pdu_item.UserInformationMaximumLengthItem{MaximumLengthReceived: uint32(m.localMaxPDUSize)},
		&pdu_item.ImplementationClassUIDSubItem{Name: godicom.GoDICOMImplementationClassUID},
	}
	if asyncWindow != nil {
		items = append(items, asyncWindow)
	}
	items = append(items, roles...)
	items = append(items, &pdu_item.ImplementationVersionNameSubItem{Name: godicom.GoDICOMImplementationVersionName})
	return items, nil
}

// Called by the user (client) to when A_ASSOCIATE_AC PDU arrives from the provider.
func (m *contextManager) onAssociateResponse(responses []pdu_item.SubItem) error {
	for _, responseItem := range responses {
		switch ri := responseItem.(type) {
		case *pdu_item.PresentationContextItem:
			if err := ri.ValidateResponse(); err != nil {
				return err
			}
			request, ok := m.tmpRequests[ri.ContextID]
			if !ok {
				return fmt.Errorf("dicom.onAssociateResponse(%s): unknown context ID %d for A_ASSOCIATE_AC: %v", m.label, ri.ContextID, ri)
			}
			sopUID := pdu_item.TrimName(request.AbstractSyntax())
			e := &contextManagerEntry{
				contextID:         ri.ContextID,
				abstractSyntaxUID: sopUID,
				abstractSyntax:    -1,
				transferSyntax:    -1,
				result:            ri.Result,
			}
			if as, ok := m.registry.LookupAbstractSyntax(sopUID); ok {
				e.abstractSyntax = as
			}
			if ri.Result == pdu_item.PresentationContextAccepted {
				picked := pdu_item.TrimName(ri.TransferSyntaxes()[0])
				if !containsUID(request.TransferSyntaxes(), picked) {
					return fmt.Errorf("dicom.onAssociateResponse(%s): context %d: transfer syntax %s was not proposed",
						m.label, ri.ContextID, sopclass.Describe(picked))
				}
				e.transferSyntaxUID = picked
				if i, ok := m.registry.LookupTransferSyntax(picked); ok {
					e.transferSyntax = i
				}
			}
			m.addContextMapping(e)
		case *pdu_item.UserInformationItem:
			if _, err := m.onPeerUserInformation(ri, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// Add a mapping between a (global) UID and a (per-session) context ID.
func (m *contextManager) addContextMapping(e *contextManagerEntry) {
	m.contexts = append(m.contexts, e)
	m.contextIDToAbstractSyntaxNameMap[e.contextID] = e
	if old, ok := m.abstractSyntaxNameToContextIDMap[e.abstractSyntaxUID]; !ok || old.result != pdu_item.PresentationContextAccepted {
		m.abstractSyntaxNameToContextIDMap[e.abstractSyntaxUID] = e
	}
}

func (m *contextManager) checkContextRejection(e *contextManagerEntry) error {
	if e.result != pdu_item.PresentationContextAccepted {
		return fmt.Errorf("dicom.checkContextRejection %v: Trying to use rejected context <%v, %v>: %s",
			m.label,
			sopclass.Describe(e.abstractSyntaxUID),
			sopclass.Describe(e.transferSyntaxUID),
			e.result.String())
	}
	return nil
}

// Convert an UID to a context ID.
func (m *contextManager) lookupByAbstractSyntaxUID(name string) (*contextManagerEntry, error) {
	e, ok := m.abstractSyntaxNameToContextIDMap[pdu_item.TrimName(name)]
	if !ok {
		return nil, fmt.Errorf("dicom.lookupByAbstractSyntaxUID %v: Unknown syntax %s", m.label, sopclass.Describe(name))
	}
	if err := m.checkContextRejection(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Convert a contextID to a UID.
func (m *contextManager) lookupByContextID(contextID byte) (*contextManagerEntry, error) {
	e, ok := m.contextIDToAbstractSyntaxNameMap[contextID]
	if !ok {
		return nil, fmt.Errorf("dicom.lookupByContextID %v: Unknown context ID %d", m.label, contextID)
	}
	if err := m.checkContextRejection(e); err != nil {
		return nil, err
	}
	return e, nil
}

// sniffFallback returns the transfer syntax to record for a data set that
// arrived on context e and starts with head. It differs from the negotiated
// one only when the negotiated syntax is compressed but head is certainly
// not: implicit VR or big endian data are never encapsulated.
func (m *contextManager) sniffFallback(e *contextManagerEntry, head []byte) (string, bool) {
	if e.transferSyntax < 0 || !m.registry.TransferSyntax(e.transferSyntax).Compressed {
		return e.transferSyntaxUID, false
	}
	enc, ok := sniffEncoding(head)
	if !ok || !enc.certainlyUncompressed() {
		return e.transferSyntaxUID, false
	}
	// Another accepted context of the same abstract syntax.
	for _, other := range m.contexts {
		if other == e || other.result != pdu_item.PresentationContextAccepted ||
			other.abstractSyntaxUID != e.abstractSyntaxUID || other.transferSyntax < 0 {
			continue
		}
		if enc.matches(m.registry.TransferSyntax(other.transferSyntax)) {
			return other.transferSyntaxUID, true
		}
	}
	// A transfer syntax the peer proposed for this context.
	for _, i := range e.proposed {
		if enc.matches(m.registry.TransferSyntax(i)) {
			return m.registry.TransferSyntax(i).UID, true
		}
	}
	if i, ok := m.registry.Uncompressed(enc.littleEndian, enc.explicitVR); ok {
		return m.registry.TransferSyntax(i).UID, true
	}
	return e.transferSyntaxUID, false
}

func containsUID(uids []string, uid string) bool {
	for _, u := range uids {
		if pdu_item.TrimName(u) == uid {
			return true
		}
	}
	return false
}
