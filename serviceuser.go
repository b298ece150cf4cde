package netdicom

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/giesekow/dicomlink/dimse"
	"github.com/giesekow/dicomlink/pdu/pdu_item"
	"github.com/giesekow/dicomlink/sopclass"
	"github.com/grailbio/go-dicom/dicomlog"
	"github.com/sirupsen/logrus"
)

// ServiceUserParams configures an association requestor.
type ServiceUserParams struct {
	// Application-entity title of the peer. Required.
	CalledAETitle string
	// Application-entity title of the client. Required.
	CallingAETitle string

	// SOPClasses to propose, one presentation context each. Defaults to
	// every abstract syntax of the registry.
	SOPClasses []string
	// TransferSyntaxes proposed for every SOP class. Defaults to the
	// registry's list for each class.
	TransferSyntaxes []string

	// Registry defaults to sopclass.NewRegistry().
	Registry *sopclass.Registry

	MaxPDUSize     int
	ReadBufferSize int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ARTIMTimeout   time.Duration
	DialTimeout    time.Duration

	Log    logrus.FieldLogger
	Faults *FaultInjector
}

// ServiceUser runs one association as the requestor and issues C-ECHO and
// C-STORE requests on it. Calls must not be made concurrently.
type ServiceUser struct {
	params    ServiceUserParams
	session   sessionParams
	s         *Session
	messageID dimse.MessageID
}

func NewServiceUser(params ServiceUserParams) (*ServiceUser, error) {
	for _, ae := range []string{params.CalledAETitle, params.CallingAETitle} {
		if ae == "" || len(ae) > 16 {
			return nil, fmt.Errorf("netdicom: invalid AE title %q", ae)
		}
	}
	if params.Registry == nil {
		params.Registry = sopclass.NewRegistry()
	}
	if len(params.SOPClasses) == 0 {
		params.SOPClasses = params.Registry.AbstractSyntaxUIDs()
	}
	if params.DialTimeout <= 0 {
		params.DialTimeout = DefaultDialTimeout
	}
	su := &ServiceUser{
		params: params,
		session: sessionParams{
			registry:         params.Registry,
			maxPDUSize:       params.MaxPDUSize,
			readBufferSize:   params.ReadBufferSize,
			readTimeout:      params.ReadTimeout,
			writeTimeout:     params.WriteTimeout,
			artimTimeout:     params.ARTIMTimeout,
			sopClasses:       params.SOPClasses,
			transferSyntaxes: params.TransferSyntaxes,
			log:              params.Log,
		},
	}
	return su, nil
}

// Session returns the association state, or nil before Connect.
func (su *ServiceUser) Session() *Session { return su.s }

// Connect dials addr and establishes the association.
func (su *ServiceUser) Connect(ctx context.Context, addr string) error {
	dialer := net.Dialer{Timeout: su.params.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("netdicom: connect %s: %w", addr, err)
	}
	return su.ConnectConn(ctx, conn)
}

// ConnectConn establishes the association over an open connection. The
// connection is closed if the association fails.
func (su *ServiceUser) ConnectConn(ctx context.Context, conn net.Conn) error {
	if su.s != nil {
		conn.Close()
		return errors.New("netdicom: ServiceUser already connected")
	}
	s := newSession("su", true, su.session, su.params.Faults)
	s.callingAETitle = su.params.CallingAETitle
	s.calledAETitle = su.params.CalledAETitle
	su.s = s
	s.enqueue(stateEvent{event: evt01})
	s.enqueue(stateEvent{event: evt02, conn: conn})
	s.run(ctx, func() bool { return s.currentState == sta06 })
	if s.currentState != sta06 {
		return su.sessionErr()
	}
	return nil
}

func (su *ServiceUser) sessionErr() error {
	if su.s != nil && su.s.Err() != nil {
		return su.s.Err()
	}
	return ErrNotConnected
}

func (su *ServiceUser) nextMessageID() dimse.MessageID {
	su.messageID++
	return su.messageID
}

// call sends one request and runs the association until the matching
// response arrives.
func (su *ServiceUser) call(ctx context.Context, abstractSyntax string, msg dimse.Message, data []byte) (dimse.Message, error) {
	s := su.s
	if s == nil || s.currentState != sta06 {
		return nil, ErrNotConnected
	}
	if _, err := s.contextManager.lookupByAbstractSyntaxUID(abstractSyntax); err != nil {
		return nil, err
	}
	s.messageID = msg.GetMessageID()
	s.expectResponse = true
	s.response = nil
	s.enqueue(stateEvent{
		event:        evt09,
		dimsePayload: &stateEventDIMSEPayload{abstractSyntaxName: abstractSyntax, command: msg, data: data},
	})
	s.run(ctx, func() bool { return s.response != nil })
	rsp := s.response
	s.response = nil
	s.expectResponse = false
	if rsp == nil {
		return nil, su.sessionErr()
	}
	return rsp, nil
}

// CEcho sends a C-ECHO request and waits for a successful response.
func (su *ServiceUser) CEcho(ctx context.Context) error {
	rsp, err := su.call(ctx, sopclass.VerificationSOPClassUID, &dimse.CEchoRq{
		MessageID:          su.nextMessageID(),
		CommandDataSetType: dimse.CommandDataSetTypeNull,
	}, nil)
	if err != nil {
		return err
	}
	if status := rsp.GetStatus(); status == nil || status.Status != dimse.StatusSuccess {
		return fmt.Errorf("netdicom: C-ECHO failed: %v", rsp)
	}
	return nil
}

// CStore sends a data set encoded in transferSyntaxUID. The presentation
// context negotiated for sopClassUID must use that transfer syntax; no
// transcoding is done.
func (su *ServiceUser) CStore(ctx context.Context, sopClassUID, sopInstanceUID, transferSyntaxUID string, data []byte) error {
	if su.s == nil || su.s.currentState != sta06 {
		return ErrNotConnected
	}
	pc, err := su.s.contextManager.lookupByAbstractSyntaxUID(sopClassUID)
	if err != nil {
		return err
	}
	if transferSyntaxUID != "" && pc.transferSyntaxUID != pdu_item.TrimName(transferSyntaxUID) {
		return fmt.Errorf("netdicom: %s negotiated %s, data set is %s", sopclass.Describe(sopClassUID),
			sopclass.Describe(pc.transferSyntaxUID), sopclass.Describe(transferSyntaxUID))
	}
	rsp, err := su.call(ctx, sopClassUID, &dimse.CStoreRq{
		AffectedSOPClassUID:    sopClassUID,
		MessageID:              su.nextMessageID(),
		Priority:               dimse.PriorityMedium,
		CommandDataSetType:     dimse.CommandDataSetTypeNonNull,
		AffectedSOPInstanceUID: sopInstanceUID,
	}, data)
	if err != nil {
		return err
	}
	status := rsp.GetStatus()
	if status == nil || status.Failed() {
		return fmt.Errorf("netdicom: C-STORE %s failed: %v", sopInstanceUID, rsp)
	}
	dicomlog.Vprintf(1, "dicom.serviceUser: stored %s (%d bytes)", sopInstanceUID, len(data))
	return nil
}

// CStoreFile sends a part-10 file with CStore.
func (su *ServiceUser) CStoreFile(ctx context.Context, path string) error {
	f, err := ReadPart10File(path)
	if err != nil {
		return err
	}
	return su.CStore(ctx, f.SOPClassUID, f.SOPInstanceUID, f.TransferSyntaxUID, f.DataSet)
}

// Release ends the association with an A-RELEASE handshake and closes the
// connection.
func (su *ServiceUser) Release(ctx context.Context) error {
	s := su.s
	if s == nil || s.Done() {
		return nil
	}
	if s.currentState != sta06 {
		return ErrNotConnected
	}
	s.enqueue(stateEvent{event: evt11})
	s.run(ctx, nil)
	if !s.Released() {
		return su.sessionErr()
	}
	return nil
}

// Abort sends A-ABORT and closes the connection.
func (su *ServiceUser) Abort() {
	s := su.s
	if s == nil || s.Done() {
		return
	}
	s.enqueue(stateEvent{event: evt15})
	s.run(context.Background(), nil)
}
