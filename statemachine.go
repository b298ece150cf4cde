package netdicom

// Implements the network statemachine, as defined in P3.8 9.2.3.
// http://dicom.nema.org/medical/dicom/current/output/pdf/part08.pdf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/giesekow/dicomlink/dimse"
	"github.com/giesekow/dicomlink/pdu"
	"github.com/giesekow/dicomlink/pdu/pdu_item"
	"github.com/grailbio/go-dicom/dicomlog"
)

type stateType int

const (
	sta01 stateType = iota + 1
	sta02
	sta03
	sta04
	sta05
	sta06
	sta07
	sta08
	sta09
	sta10
	sta11
	sta12
	sta13
)

var stateDescriptions = map[stateType]string{
	sta01: "Idle",
	sta02: "Transport connection open (Awaiting A-ASSOCIATE-RQ PDU)",
	sta03: "Awaiting local A-ASSOCIATE response primitive (from local user)",
	sta04: "Awaiting transport connection opening to complete (from local transport service)",
	sta05: "Awaiting A-ASSOCIATE-AC or A-ASSOCIATE-RJ PDU",
	sta06: "Association established and ready for data transfer",
	sta07: "Awaiting A-RELEASE-RP PDU",
	sta08: "Awaiting local A-RELEASE response primitive (from local user)",
	sta09: "Release collision requestor side; awaiting A-RELEASE response (from local user)",
	sta10: "Release collision acceptor side; awaiting A-RELEASE-RP PDU",
	sta11: "Release collision requestor side; awaiting A-RELEASE-RP PDU",
	sta12: "Release collision acceptor side; awaiting A-RELEASE response primitive (from local user)",
	sta13: "Awaiting Transport Connection Close Indication (Association no longer exists)",
}

func (s stateType) String() string {
	description, ok := stateDescriptions[s]
	if !ok {
		description = "Unknown state"
	}
	return fmt.Sprintf("sta%02d(%s)", int(s), description)
}

type eventType int

const (
	evt01 eventType = iota + 1
	evt02
	evt03
	evt04
	evt05
	evt06
	evt07
	evt08
	evt09
	evt10
	evt11
	evt12
	evt13
	evt14
	evt15
	evt16
	evt17
	evt18
	evt19
)

var eventDescriptions = map[eventType]string{
	evt01: "A-ASSOCIATE request (local user)",
	evt02: "Connection established (for service user)",
	evt03: "A-ASSOCIATE-AC PDU (received on transport connection)",
	evt04: "A-ASSOCIATE-RJ PDU (received on transport connection)",
	evt05: "Connection accepted (for service provider)",
	evt06: "A-ASSOCIATE-RQ PDU (on tranport connection)",
	evt07: "A-ASSOCIATE response primitive (accept)",
	evt08: "A-ASSOCIATE response primitive (reject)",
	evt09: "P-DATA request primitive",
	evt10: "P-DATA-TF PDU (on transport connection)",
	evt11: "A-RELEASE request primitive",
	evt12: "A-RELEASE-RQ PDU (on transport)",
	evt13: "A-RELEASE-RP PDU (on transport)",
	evt14: "A-RELEASE response primitive",
	evt15: "A-ABORT request primitive",
	evt16: "A-ABORT PDU (on transport)",
	evt17: "Transport connection closed indication (local transport service)",
	evt18: "ARTIM timer expired (Association reject/release timer)",
	evt19: "Unrecognized or invalid PDU received",
}

func (e eventType) String() string {
	description, ok := eventDescriptions[e]
	if !ok {
		description = "Unknown event"
	}
	return fmt.Sprintf("evt%02d(%s)", int(e), description)
}

type actionKind int

const (
	actionAe1 actionKind = iota + 1
	actionAe2
	actionAe3
	actionAe4
	actionAe5
	actionAe6
	actionAe7
	actionAe8
	actionDt1
	actionDt2
	actionAr1
	actionAr2
	actionAr3
	actionAr4
	actionAr5
	actionAr6
	actionAr7
	actionAr8
	actionAr9
	actionAr10
	actionAa1
	actionAa2
	actionAa3
	actionAa4
	actionAa5
	actionAa6
	actionAa7
	actionAa8
)

var actionDescriptions = map[actionKind][2]string{
	actionAe1:  {"AE-1", "Issue TRANSPORT CONNECT request primitive to local transport service"},
	actionAe2:  {"AE-2", "Connection established on the user side. Send A-ASSOCIATE-RQ-PDU"},
	actionAe3:  {"AE-3", "Issue A-ASSOCIATE confirmation (accept) primitive"},
	actionAe4:  {"AE-4", "Issue A-ASSOCIATE confirmation (reject) primitive and close transport connection"},
	actionAe5:  {"AE-5", "Issue Transport connection response primitive; start ARTIM timer"},
	actionAe6:  {"AE-6", "Stop ARTIM timer and if A-ASSOCIATE-RQ acceptable by service-dul: issue A-ASSOCIATE indication primitive otherwise issue A-ASSOCIATE-RJ-PDU and start ARTIM timer"},
	actionAe7:  {"AE-7", "Send A-ASSOCIATE-AC PDU"},
	actionAe8:  {"AE-8", "Send A-ASSOCIATE-RJ PDU and start ARTIM timer"},
	actionDt1:  {"DT-1", "Send P-DATA-TF PDU"},
	actionDt2:  {"DT-2", "Send P-DATA indication primitive"},
	actionAr1:  {"AR-1", "Send A-RELEASE-RQ PDU"},
	actionAr2:  {"AR-2", "Issue A-RELEASE indication primitive"},
	actionAr3:  {"AR-3", "Issue A-RELEASE confirmation primitive and close transport connection"},
	actionAr4:  {"AR-4", "Issue A-RELEASE-RP PDU and start ARTIM timer"},
	actionAr5:  {"AR-5", "Stop ARTIM timer"},
	actionAr6:  {"AR-6", "Issue P-DATA indication"},
	actionAr7:  {"AR-7", "Issue P-DATA-TF PDU"},
	actionAr8:  {"AR-8", "Issue A-RELEASE indication (release collision): if association-requestor, next state is Sta09, if not next state is Sta10"},
	actionAr9:  {"AR-9", "Send A-RELEASE-RP PDU"},
	actionAr10: {"AR-10", "Issue A-RELEASE confimation primitive"},
	actionAa1:  {"AA-1", "Send A-ABORT PDU (service-user source) and start (or restart if already started) ARTIM timer"},
	actionAa2:  {"AA-2", "Stop ARTIM timer if running. Close transport connection"},
	actionAa3:  {"AA-3", "If (service-user initiated abort): issue A-ABORT indication and close transport connection, otherwise (service-dul initiated abort): issue A-P-ABORT indication and close transport connection"},
	actionAa4:  {"AA-4", "Issue A-P-ABORT indication primitive"},
	actionAa5:  {"AA-5", "Stop ARTIM timer"},
	actionAa6:  {"AA-6", "Ignore PDU"},
	actionAa7:  {"AA-7", "Send A-ABORT PDU"},
	actionAa8:  {"AA-8", "Send A-ABORT PDU (service-dul source), issue an A-P-ABORT indication and start ARTIM timer"},
}

func (a actionKind) String() string {
	d, ok := actionDescriptions[a]
	if !ok {
		return fmt.Sprintf("action(%d)", int(a))
	}
	return fmt.Sprintf("%s(%s)", d[0], d[1])
}

type stateEventDIMSEPayload struct {
	// The syntax UID of the data to be sent. Used when contextID is zero.
	abstractSyntaxName string
	// Context of the request being answered, for responses.
	contextID byte

	// Command to send. len(command) may exceed the max PDU size, in which case it
	// will be split into multiple PresentationDataValueItems.
	command dimse.Message

	// Ditto, but for the data payload. The data PDU is sent iff.
	// command.HasData()==true.
	data []byte
}

type stateEvent struct {
	event eventType
	pdu   pdu.PDU
	err   error
	conn  net.Conn

	dimsePayload *stateEventDIMSEPayload // set iff event==evt09.
}

func (e *stateEvent) String() string {
	return fmt.Sprintf("type:%s err:%v pdu:%v", e.event.String(), e.err, e.pdu)
}

type stateTransitionKey struct {
	current stateType
	event   eventType
}

type stateTransition struct {
	action actionKind
	next   stateType
}

// stateTransitions is table 9-10 of P3.8. Actions marked so in execute may
// pick a different next state.
var stateTransitions = map[stateTransitionKey]stateTransition{
	{sta01, evt01}: {actionAe1, sta04},
	{sta01, evt05}: {actionAe5, sta02},

	{sta02, evt03}: {actionAa1, sta13},
	{sta02, evt04}: {actionAa1, sta13},
	{sta02, evt06}: {actionAe6, sta03},
	{sta02, evt10}: {actionAa1, sta13},
	{sta02, evt12}: {actionAa1, sta13},
	{sta02, evt13}: {actionAa1, sta13},
	{sta02, evt16}: {actionAa2, sta01},
	{sta02, evt17}: {actionAa5, sta01},
	{sta02, evt18}: {actionAa2, sta01},
	{sta02, evt19}: {actionAa1, sta13},

	{sta03, evt03}: {actionAa8, sta13},
	{sta03, evt04}: {actionAa8, sta13},
	{sta03, evt06}: {actionAa8, sta13},
	{sta03, evt07}: {actionAe7, sta06},
	{sta03, evt08}: {actionAe8, sta13},
	{sta03, evt10}: {actionAa8, sta13},
	{sta03, evt12}: {actionAa8, sta13},
	{sta03, evt13}: {actionAa8, sta13},
	{sta03, evt15}: {actionAa1, sta13},
	{sta03, evt16}: {actionAa3, sta01},
	{sta03, evt17}: {actionAa4, sta01},
	{sta03, evt19}: {actionAa8, sta13},

	{sta04, evt02}: {actionAe2, sta05},
	{sta04, evt15}: {actionAa2, sta01},
	{sta04, evt17}: {actionAa4, sta01},

	{sta05, evt03}: {actionAe3, sta06},
	{sta05, evt04}: {actionAe4, sta01},
	{sta05, evt06}: {actionAa8, sta13},
	{sta05, evt10}: {actionAa8, sta13},
	{sta05, evt12}: {actionAa8, sta13},
	{sta05, evt13}: {actionAa8, sta13},
	{sta05, evt15}: {actionAa1, sta13},
	{sta05, evt16}: {actionAa3, sta01},
	{sta05, evt17}: {actionAa4, sta01},
	{sta05, evt18}: {actionAa2, sta01},
	{sta05, evt19}: {actionAa8, sta13},

	{sta06, evt03}: {actionAa8, sta13},
	{sta06, evt04}: {actionAa8, sta13},
	{sta06, evt06}: {actionAa8, sta13},
	{sta06, evt09}: {actionDt1, sta06},
	{sta06, evt10}: {actionDt2, sta06},
	{sta06, evt11}: {actionAr1, sta07},
	{sta06, evt12}: {actionAr2, sta08},
	{sta06, evt13}: {actionAa8, sta13},
	{sta06, evt15}: {actionAa1, sta13},
	{sta06, evt16}: {actionAa3, sta01},
	{sta06, evt17}: {actionAa4, sta01},
	{sta06, evt19}: {actionAa8, sta13},

	{sta07, evt03}: {actionAa8, sta13},
	{sta07, evt04}: {actionAa8, sta13},
	{sta07, evt06}: {actionAa8, sta13},
	{sta07, evt10}: {actionAr6, sta07},
	{sta07, evt12}: {actionAr8, sta10},
	{sta07, evt13}: {actionAr3, sta01},
	{sta07, evt15}: {actionAa1, sta13},
	{sta07, evt16}: {actionAa3, sta01},
	{sta07, evt17}: {actionAa4, sta01},
	{sta07, evt19}: {actionAa8, sta13},

	{sta08, evt03}: {actionAa8, sta13},
	{sta08, evt04}: {actionAa8, sta13},
	{sta08, evt06}: {actionAa8, sta13},
	{sta08, evt09}: {actionAr7, sta08},
	{sta08, evt10}: {actionAa8, sta13},
	{sta08, evt12}: {actionAa8, sta13},
	{sta08, evt13}: {actionAa8, sta13},
	{sta08, evt14}: {actionAr4, sta13},
	{sta08, evt15}: {actionAa1, sta13},
	{sta08, evt16}: {actionAa3, sta01},
	{sta08, evt17}: {actionAa4, sta01},
	{sta08, evt19}: {actionAa8, sta13},

	{sta09, evt03}: {actionAa8, sta13},
	{sta09, evt04}: {actionAa8, sta13},
	{sta09, evt06}: {actionAa8, sta13},
	{sta09, evt10}: {actionAa8, sta13},
	{sta09, evt12}: {actionAa8, sta13},
	{sta09, evt13}: {actionAa8, sta13},
	{sta09, evt14}: {actionAr9, sta11},
	{sta09, evt15}: {actionAa1, sta13},
	{sta09, evt16}: {actionAa3, sta01},
	{sta09, evt17}: {actionAa4, sta01},
	{sta09, evt19}: {actionAa8, sta13},

	{sta10, evt03}: {actionAa8, sta13},
	{sta10, evt04}: {actionAa8, sta13},
	{sta10, evt06}: {actionAa8, sta13},
	{sta10, evt10}: {actionAa8, sta13},
	{sta10, evt12}: {actionAa8, sta13},
	{sta10, evt13}: {actionAr10, sta12},
	{sta10, evt15}: {actionAa1, sta13},
	{sta10, evt16}: {actionAa3, sta01},
	{sta10, evt17}: {actionAa4, sta01},
	{sta10, evt19}: {actionAa8, sta13},

	{sta11, evt03}: {actionAa8, sta13},
	{sta11, evt04}: {actionAa8, sta13},
	{sta11, evt06}: {actionAa8, sta13},
	{sta11, evt10}: {actionAa8, sta13},
	{sta11, evt12}: {actionAa8, sta13},
	{sta11, evt13}: {actionAr3, sta01},
	{sta11, evt15}: {actionAa1, sta13},
	{sta11, evt16}: {actionAa3, sta01},
	{sta11, evt17}: {actionAa4, sta01},
	{sta11, evt19}: {actionAa8, sta13},

	{sta12, evt03}: {actionAa8, sta13},
	{sta12, evt04}: {actionAa8, sta13},
	{sta12, evt06}: {actionAa8, sta13},
	{sta12, evt10}: {actionAa8, sta13},
	{sta12, evt12}: {actionAa8, sta13},
	{sta12, evt13}: {actionAa8, sta13},
	{sta12, evt14}: {actionAr4, sta13},
	{sta12, evt15}: {actionAa1, sta13},
	{sta12, evt16}: {actionAa3, sta01},
	{sta12, evt17}: {actionAa4, sta01},
	{sta12, evt19}: {actionAa8, sta13},

	{sta13, evt03}: {actionAa6, sta13},
	{sta13, evt04}: {actionAa6, sta13},
	{sta13, evt06}: {actionAa7, sta13},
	{sta13, evt07}: {actionAa7, sta13},
	{sta13, evt08}: {actionAa7, sta13},
	{sta13, evt09}: {actionAa7, sta13},
	{sta13, evt10}: {actionAa6, sta13},
	{sta13, evt11}: {actionAa6, sta13},
	{sta13, evt12}: {actionAa6, sta13},
	{sta13, evt13}: {actionAa6, sta13},
	{sta13, evt14}: {actionAa6, sta13},
	{sta13, evt15}: {actionAa2, sta01},
	{sta13, evt16}: {actionAa2, sta01},
	{sta13, evt17}: {actionAr5, sta01},
	{sta13, evt18}: {actionAa2, sta01},
	{sta13, evt19}: {actionAa7, sta13},
}

func findTransition(current stateType, event eventType) (stateTransition, bool) {
	t, ok := stateTransitions[stateTransitionKey{current, event}]
	return t, ok
}

// runOneStep takes the next event and runs the action the table assigns to
// it. An undefined (state, event) pair is fatal: it is recorded as a
// *TransitionError and the connection is closed via AA-2.
func (s *Session) runOneStep() {
	event := s.nextEvent()
	dicomlog.Vprintf(2, "dicom.StateMachine %s: Current state: %v, Event %v", s.label, s.currentState, event.String())
	t, ok := findTransition(s.currentState, event.event)
	if !ok {
		err := &TransitionError{State: s.currentState, Event: event.event}
		dicomlog.Vprintf(0, "dicom.StateMachine %s: %v", s.label, err)
		if s.faults != nil {
			dicomlog.Vprintf(0, "dicom.StateMachine %s: fault injector: %v", s.label, s.faults)
		}
		s.setErr(err)
		t = stateTransition{actionAa2, sta01} // This will force connection abortion
	}
	dicomlog.Vprintf(2, "dicom.StateMachine %s: Running action %v", s.label, t.action)
	newState := s.execute(t, event)
	if s.faults != nil {
		s.faults.onStateTransition(s.currentState, event.event, t.action, newState)
	}
	s.currentState = newState
	dicomlog.Vprintf(2, "dicom.StateMachine %s: Next state: %v", s.label, s.currentState)
	// A P-DATA-TF body that the action didn't stream must not be mistaken
	// for the next PDU header.
	if s.unreadBody > 0 && s.conn != nil {
		if _, err := io.CopyN(io.Discard, s.reader(), int64(s.unreadBody)); err != nil {
			s.unreadBody = 0
			s.enqueueTransportError(err)
		}
		s.unreadBody = 0
	}
	if s.currentState == sta01 {
		s.finish()
	}
}

// execute performs the side effects of t.action and returns the next state.
func (s *Session) execute(t stateTransition, event stateEvent) stateType {
	switch t.action {
	case actionAe1:
		// Nothing to do now. ServiceUser has dialed the connection and
		// follows with evt02.
		return t.next

	case actionAe2:
		s.setConn(event.conn)
		items, err := s.contextManager.generateAssociateRequest(s.params.sopClasses, s.params.transferSyntaxes)
		if err != nil {
			s.setErr(err)
			return s.execute(stateTransition{actionAa2, sta01}, event)
		}
		s.sendPDU(&pdu.AAssociateRQ{
			ProtocolVersion: pdu.CurrentProtocolVersion,
			CalledAETitle:   s.calledAETitle,
			CallingAETitle:  s.callingAETitle,
			Items:           items,
		})
		s.startTimer()
		return t.next

	case actionAe3:
		s.stopTimer()
		v := event.pdu.(*pdu.AAssociateAC)
		if err := s.contextManager.onAssociateResponse(v.Items); err != nil {
			dicomlog.Vprintf(0, "dicom.StateMachine %s: AE-3: %v", s.label, err)
			s.setErr(err)
			return s.abortAsProvider(pdu.AbortReasonInvalidPDUParameterValue)
		}
		dicomlog.Vprintf(1, "dicom.StateMachine %s: association established with %s", s.label, s.calledAETitle)
		return t.next

	case actionAe4:
		v := event.pdu.(*pdu.AAssociateRj)
		dicomlog.Vprintf(0, "dicom.StateMachine %s: Association rejected: %v", s.label, v)
		s.setErr(&AssociationRejectedError{Result: v.Result, Source: v.Source, Reason: v.Reason})
		s.closeConnection()
		return t.next

	case actionAe5:
		s.setConn(event.conn)
		s.startTimer()
		return t.next

	case actionAe6:
		s.stopTimer()
		return s.onAssociateRequest(event, t.next)

	case actionAe7:
		s.sendPDU(event.pdu)
		dicomlog.Vprintf(1, "dicom.StateMachine %s: association accepted, %s -> %s", s.label, s.callingAETitle, s.calledAETitle)
		return t.next

	case actionAe8:
		s.sendPDU(event.pdu)
		s.startTimer()
		return t.next

	case actionDt1, actionAr7:
		if err := s.sendDIMSE(event.dimsePayload); err != nil {
			dicomlog.Vprintf(0, "dicom.StateMachine %s: %v", s.label, err)
			s.setErr(err)
			return s.execute(stateTransition{actionAa1, sta13}, event)
		}
		return t.next

	case actionDt2, actionAr6:
		if err := s.receivePDataTf(); err != nil {
			var perr *protocolError
			if errors.As(err, &perr) {
				dicomlog.Vprintf(0, "dicom.StateMachine %s: Failed to assemble data: %v", s.label, err)
				s.setErr(err)
				return s.abortAsProvider(perr.reason)
			}
			s.dropPending()
			s.enqueue(s.readFailure(err))
		}
		return t.next

	case actionAr1:
		s.sendPDU(&pdu.AReleaseRq{})
		return t.next

	case actionAr2:
		s.discardCurrentImage("release requested")
		s.enqueue(stateEvent{event: evt14})
		return t.next

	case actionAr3:
		s.released = true
		s.closeConnection()
		return t.next

	case actionAr4:
		s.sendPDU(&pdu.AReleaseRp{})
		s.released = true
		s.startTimer()
		return t.next

	case actionAr5:
		s.stopTimer()
		return t.next

	case actionAr8:
		if s.isUser {
			s.enqueue(stateEvent{event: evt14})
			return sta09
		}
		return sta10

	case actionAr9:
		s.sendPDU(&pdu.AReleaseRp{})
		return t.next

	case actionAr10:
		s.enqueue(stateEvent{event: evt14})
		return t.next

	case actionAa1:
		diagnostic := pdu.AbortReasonNotSpecified
		if s.currentState == sta02 {
			diagnostic = pdu.AbortReasonUnexpectedPDU
			if event.err == nil {
				s.setErr(fmt.Errorf("netdicom: unexpected %v in %v", event.event, s.currentState))
			}
		}
		s.setErr(event.err)
		s.dropPending()
		s.discardCurrentImage("association aborted")
		s.sendPDU(&pdu.AAbort{Source: pdu.AbortSourceServiceUser, Reason: diagnostic})
		s.startTimer()
		return t.next

	case actionAa2:
		s.stopTimer()
		s.closeConnection()
		return t.next

	case actionAa3:
		dicomlog.Vprintf(0, "dicom.StateMachine %s: Association aborted: %v", s.label, event.pdu)
		s.setErr(ErrAssociationAborted)
		s.closeConnection()
		return t.next

	case actionAa4:
		err := event.err
		if err == nil {
			err = errConnectionClosed
		}
		s.setErr(err)
		s.closeConnection()
		return t.next

	case actionAa5:
		s.stopTimer()
		s.closeConnection()
		return t.next

	case actionAa6:
		return t.next

	case actionAa7:
		s.sendPDU(&pdu.AAbort{Source: pdu.AbortSourceServiceProvider, Reason: pdu.AbortReasonUnexpectedPDU})
		return t.next

	case actionAa8:
		if event.err != nil {
			s.setErr(event.err)
		} else {
			s.setErr(fmt.Errorf("netdicom: unexpected %v in %v", event.event, s.currentState))
		}
		reason := pdu.AbortReasonUnexpectedPDU
		if event.event == evt19 {
			reason = pdu.AbortReasonUnrecognizedPDU
		}
		return s.abortAsProvider(reason)
	}
	panic(fmt.Sprintf("dicom.StateMachine %s: unknown action %v", s.label, t.action))
}

// abortAsProvider is AA-8.
func (s *Session) abortAsProvider(reason pdu.AbortReasonType) stateType {
	s.dropPending()
	s.discardCurrentImage("association aborted")
	s.sendPDU(&pdu.AAbort{Source: pdu.AbortSourceServiceProvider, Reason: reason})
	s.startTimer()
	return sta13
}

// onAssociateRequest is AE-6 on the acceptor side. It queues evt07 or evt08
// unless the protocol version itself is unacceptable.
func (s *Session) onAssociateRequest(event stateEvent, next stateType) stateType {
	reject := func(source pdu.SourceType, reason pdu.RejectReasonType, err error) stateType {
		dicomlog.Vprintf(0, "dicom.StateMachine %s: rejecting association: %v", s.label, err)
		s.setErr(err)
		s.enqueue(stateEvent{event: evt08, pdu: &pdu.AAssociateRj{
			Result: pdu.ResultRejectedPermanent,
			Source: source,
			Reason: reason,
		}})
		return next
	}
	if event.err != nil {
		return reject(pdu.SourceULServiceProviderACSE, pdu.RejectReasonNone, event.err)
	}
	v := event.pdu.(*pdu.AAssociateRQ)
	if v.ProtocolVersion&pdu.CurrentProtocolVersion == 0 {
		dicomlog.Vprintf(0, "dicom.StateMachine %s: Wrong remote protocol version 0x%x", s.label, v.ProtocolVersion)
		s.setErr(fmt.Errorf("netdicom: protocol version 0x%x not supported", v.ProtocolVersion))
		s.sendPDU(&pdu.AAssociateRj{
			Result: pdu.ResultRejectedPermanent,
			Source: pdu.SourceULServiceProviderACSE,
			Reason: pdu.RejectReasonProtocolVersionNotSupported,
		})
		s.startTimer()
		return sta13
	}
	s.callingAETitle = v.CallingAETitle
	s.calledAETitle = v.CalledAETitle
	if len(s.params.endpoints) > 0 {
		store, ok := s.params.endpoints[v.CalledAETitle]
		if !ok {
			return reject(pdu.SourceULServiceUser, pdu.RejectReasonCalledAETitleNotRecognized,
				fmt.Errorf("netdicom: called AE title %q not served", v.CalledAETitle))
		}
		s.store = store
	}
	if len(s.params.remoteAETitles) > 0 && !s.params.remoteAETitles[v.CallingAETitle] {
		return reject(pdu.SourceULServiceUser, pdu.RejectReasonCallingAETitleNotRecognized,
			fmt.Errorf("netdicom: calling AE title %q not allowed", v.CallingAETitle))
	}
	responses, err := s.contextManager.onAssociateRequest(v.Items)
	if err != nil {
		return reject(pdu.SourceULServiceProviderACSE, pdu.RejectReasonNone, err)
	}
	s.enqueue(stateEvent{event: evt07, pdu: &pdu.AAssociateAC{
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   v.CalledAETitle,
		CallingAETitle:  v.CallingAETitle,
		Items:           responses,
	}})
	return next
}

// Produce a list of P_DATA_TF PDUs that collectively store "data". Each PDU
// carries one PDV whose value fits in maxPDUSize.
func splitDataIntoPDUs(contextID byte, command bool, data []byte, maxPDUSize int) []*pdu.PDataTf {
	if maxPDUSize <= pdu.PDVHeaderSize {
		maxPDUSize = DefaultMaxPDUSize
	}
	maxChunkSize := maxPDUSize - pdu.PDVHeaderSize
	var pdus []*pdu.PDataTf
	for {
		chunkSize := len(data)
		if chunkSize > maxChunkSize {
			chunkSize = maxChunkSize
		}
		pdus = append(pdus, &pdu.PDataTf{Items: []pdu.PresentationDataValueItem{{
			ContextID: contextID,
			Command:   command,
			Value:     data[:chunkSize],
		}}})
		data = data[chunkSize:]
		if len(data) == 0 {
			break
		}
	}
	pdus[len(pdus)-1].Items[0].Last = true
	return pdus
}

// sendDIMSE is DT-1 and AR-7.
func (s *Session) sendDIMSE(p *stateEventDIMSEPayload) error {
	contextID := p.contextID
	if contextID == 0 {
		pc, err := s.contextManager.lookupByAbstractSyntaxUID(p.abstractSyntaxName)
		if err != nil {
			return err
		}
		contextID = pc.contextID
	}
	e := bytes.Buffer{}
	if err := dimse.EncodeMessage(&e, p.command); err != nil {
		return fmt.Errorf("netdicom: encode %v: %w", p.command, err)
	}
	dicomlog.Vprintf(1, "dicom.StateMachine %s: Send DIMSE msg: %v", s.label, p.command)
	for _, v := range splitDataIntoPDUs(contextID, true, e.Bytes(), s.contextManager.peerMaxPDUSize) {
		s.sendPDU(v)
	}
	if p.command.HasData() {
		dicomlog.Vprintf(1, "dicom.StateMachine %s: Send DIMSE data of %db, command: %v", s.label, len(p.data), p.command)
		for _, v := range splitDataIntoPDUs(contextID, false, p.data, s.contextManager.peerMaxPDUSize) {
			s.sendPDU(v)
		}
	} else if len(p.data) > 0 {
		return fmt.Errorf("netdicom: %v carries %d data bytes but declares no data set", p.command, len(p.data))
	}
	s.lastSentCommand = p.command.CommandField()
	return nil
}

// sendPDU writes one PDU. A failure closes the connection and replaces any
// pending events with evt17.
func (s *Session) sendPDU(v pdu.PDU) {
	if s.conn == nil || s.connClosed {
		return
	}
	data, err := pdu.EncodePDU(v)
	if err != nil {
		dicomlog.Vprintf(0, "dicom.StateMachine %s: Failed to encode: %v; closing connection %v", s.label, err, s.conn.RemoteAddr())
		s.closeConnection()
		s.enqueueTransportError(err)
		return
	}
	if s.faults != nil && s.faults.onSend(data) == faultInjectorDisconnect {
		dicomlog.Vprintf(0, "dicom.StateMachine %s: FAULT: closing connection for test", s.label)
		s.conn.Close()
	}
	if s.params.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.params.writeTimeout))
	}
	n, err := s.conn.Write(data)
	if n != len(data) || err != nil {
		dicomlog.Vprintf(0, "dicom.StateMachine %s: Failed to write %d bytes. Actual %d bytes : %v", s.label, len(data), n, err)
		s.closeConnection()
		if err == nil {
			err = io.ErrShortWrite
		}
		s.enqueueTransportError(err)
		return
	}
	dicomlog.Vprintf(2, "dicom.StateMachine %s: sendPDU: %v", s.label, v.String())
}

// readEvent reads the next PDU header from the network and turns it into an
// event. The body of a P-DATA-TF is left unread for DT-2 to stream.
func (s *Session) readEvent() stateEvent {
	if s.conn == nil || s.connClosed {
		return stateEvent{event: evt17, err: errConnectionClosed}
	}
	if s.framingLost {
		// Nothing more can be parsed. Wait for the peer to close, or for
		// ARTIM to expire.
		_, err := io.Copy(io.Discard, s.reader())
		if err == nil {
			err = io.EOF
		}
		return s.readFailure(err)
	}
	pduType, length, err := pdu.ReadHeader(s.reader())
	if err != nil {
		return s.readFailure(err)
	}
	if err := pdu.CheckLength(pduType, length, s.contextManager.localMaxPDUSize); err != nil {
		dicomlog.Vprintf(0, "dicom.StateMachine %s: %v", s.label, err)
		s.framingLost = true
		return stateEvent{event: evt19, err: err}
	}
	if pduType == pdu.TypePDataTf {
		s.unreadBody = length
		return stateEvent{event: evt10}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(s.reader(), payload); err != nil {
		return s.readFailure(err)
	}
	v, err := pdu.DecodePDU(pduType, payload)
	if err != nil {
		dicomlog.Vprintf(0, "dicom.StateMachine %s: Failed to read PDU: %v", s.label, err)
		if pduType == pdu.TypeAAssociateRq {
			// Reported to the peer as a rejection by AE-6.
			return stateEvent{event: evt06, err: err}
		}
		return stateEvent{event: evt19, err: err}
	}
	dicomlog.Vprintf(2, "dicom.StateMachine %s: read PDU: %v", s.label, v.String())
	switch n := v.(type) {
	case *pdu.AAssociateRQ:
		return stateEvent{event: evt06, pdu: n}
	case *pdu.AAssociateAC:
		return stateEvent{event: evt03, pdu: n}
	case *pdu.AAssociateRj:
		return stateEvent{event: evt04, pdu: n}
	case *pdu.AReleaseRq:
		return stateEvent{event: evt12, pdu: n}
	case *pdu.AReleaseRp:
		return stateEvent{event: evt13, pdu: n}
	case *pdu.AAbort:
		return stateEvent{event: evt16, pdu: n}
	}
	err = &pdu_item.UnexpectedPDUTypeError{Context: "pdu", Expected: []byte{1, 2, 3, 5, 6, 7}, Found: byte(pduType)}
	return stateEvent{event: evt19, pdu: v, err: err}
}

// readFailure maps a transport read error to an event: a timeout is ARTIM
// expiry while the timer runs and a local abort otherwise; anything else
// means the connection is gone.
func (s *Session) readFailure(err error) stateEvent {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if s.ctx != nil && s.ctx.Err() != nil && !s.cancelled {
			s.cancelled = true
			s.setErr(s.ctx.Err())
		}
		if s.timerRunning {
			return stateEvent{event: evt18, err: err}
		}
		dicomlog.Vprintf(0, "dicom.StateMachine %s: read timeout in %v", s.label, s.currentState)
		return stateEvent{event: evt15, err: err}
	}
	if !errors.Is(err, io.EOF) {
		dicomlog.Vprintf(0, "dicom.StateMachine %s: Failed to read PDU: %v", s.label, err)
	}
	return stateEvent{event: evt17, err: err}
}

func (s *Session) enqueueTransportError(err error) {
	s.dropPending()
	s.enqueue(stateEvent{event: evt17, err: err})
}

// ARTIM is a deadline rather than a separate timer goroutine; reads honor it
// while it runs.
func (s *Session) startTimer() {
	s.timerRunning = true
	s.timerDeadline = time.Now().Add(s.params.artimTimeout)
}

func (s *Session) stopTimer() {
	s.timerRunning = false
}
