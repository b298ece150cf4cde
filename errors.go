package netdicom

import (
	"errors"
	"fmt"

	"github.com/giesekow/dicomlink/dimse"
	"github.com/giesekow/dicomlink/pdu"
)

var (
	// ErrEvenContextID is recorded when a peer proposes an even presentation
	// context ID. Only that context is rejected.
	ErrEvenContextID = errors.New("netdicom: even presentation context ID")

	// ErrAssociationRejected matches *AssociationRejectedError.
	ErrAssociationRejected = errors.New("netdicom: association rejected")

	// ErrAssociationAborted is reported when the peer sent A-ABORT.
	ErrAssociationAborted = errors.New("netdicom: association aborted by peer")

	// ErrNotConnected is returned by ServiceUser calls made outside an
	// established association.
	ErrNotConnected = errors.New("netdicom: association not established")

	errConnectionClosed = errors.New("netdicom: connection closed")
)

// TransitionError is a (state, event) pair with no entry in the state
// transition table. The association is closed when it happens.
type TransitionError struct {
	State stateType
	Event eventType
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("netdicom: no transition for %v, %v", e.State, e.Event)
}

// UnexpectedResponseError is a DIMSE response that doesn't answer the
// outstanding request.
type UnexpectedResponseError struct {
	Expected dimse.MessageID
	Response dimse.Message
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("netdicom: response %v does not answer message ID %d", e.Response, e.Expected)
}

// AssociationRejectedError carries the A-ASSOCIATE-RJ fields.
type AssociationRejectedError struct {
	Result pdu.RejectResultType
	Source pdu.SourceType
	Reason pdu.RejectReasonType
}

func (e *AssociationRejectedError) Error() string {
	return fmt.Sprintf("netdicom: association rejected (result %d, source %d, reason %d)", e.Result, e.Source, e.Reason)
}

func (e *AssociationRejectedError) Is(target error) bool {
	return target == ErrAssociationRejected
}

// protocolError is raised while processing P-DATA-TF content. It aborts the
// association with a provider-initiated A-ABORT.
type protocolError struct {
	reason pdu.AbortReasonType
	err    error
}

func (e *protocolError) Error() string { return e.err.Error() }

func (e *protocolError) Unwrap() error { return e.err }

func newProtocolError(reason pdu.AbortReasonType, format string, args ...interface{}) error {
	return &protocolError{reason: reason, err: fmt.Errorf("netdicom: "+format, args...)}
}
