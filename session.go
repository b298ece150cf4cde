package netdicom

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/giesekow/dicomlink/dimse"
	"github.com/giesekow/dicomlink/sopclass"
	"github.com/giesekow/dicomlink/storage"
	"github.com/grailbio/go-dicom/dicomlog"
	"github.com/sirupsen/logrus"
)

const (
	DefaultReadBufferSize = 16384
	DefaultReadTimeout    = 30 * time.Second
	DefaultWriteTimeout   = 30 * time.Second
	DefaultARTIMTimeout   = 10 * time.Second
	DefaultDialTimeout    = 10 * time.Second
)

// ImageStore receives the data sets of incoming C-STORE requests.
// *storage.FolderStore implements it.
type ImageStore interface {
	CreateTemp() (storage.TempFile, error)
	Commit(tmp storage.TempFile, sopInstanceUID string) (string, error)
	Discard(tmp storage.TempFile) error
}

// AssociatedImage is one C-STORE transfer received on an association.
type AssociatedImage struct {
	ContextID      byte
	MessageID      dimse.MessageID
	SOPClassUID    string
	SOPInstanceUID string
	// TransferSyntaxUID is what the file meta records. It differs from the
	// negotiated syntax when the data set was sniffed as uncompressed.
	TransferSyntaxUID string
	// Path is the final location, set once the file was committed.
	Path string
	// Bytes counts data set bytes received, excluding the file meta.
	Bytes  int64
	Status dimse.Status
	Err    error

	file   storage.TempFile
	head   []byte
	opened bool
	failed bool
}

// Stored is true if the image reached its final location.
func (img *AssociatedImage) Stored() bool { return img.Path != "" }

type sessionParams struct {
	registry       *sopclass.Registry
	maxPDUSize     int
	readBufferSize int
	readTimeout    time.Duration
	writeTimeout   time.Duration
	artimTimeout   time.Duration

	// Acceptor side.
	endpoints      map[string]ImageStore
	remoteAETitles map[string]bool

	// Requestor side.
	sopClasses       []string
	transferSyntaxes []string

	log logrus.FieldLogger
}

func (p *sessionParams) applyDefaults() {
	if p.registry == nil {
		p.registry = sopclass.NewRegistry()
	}
	if p.maxPDUSize <= 0 {
		p.maxPDUSize = DefaultMaxPDUSize
	}
	if p.readBufferSize <= 0 {
		p.readBufferSize = DefaultReadBufferSize
	}
	if p.readTimeout == 0 {
		p.readTimeout = DefaultReadTimeout
	}
	if p.writeTimeout == 0 {
		p.writeTimeout = DefaultWriteTimeout
	}
	if p.artimTimeout <= 0 {
		p.artimTimeout = DefaultARTIMTimeout
	}
	if p.log == nil {
		p.log = logrus.StandardLogger()
	}
}

// Session is the state of one association, from connection to close. It is
// driven by a single goroutine.
type Session struct {
	label  string // for diagnostics only.
	isUser bool   // true if we initiated the association.
	params sessionParams
	log    logrus.FieldLogger
	faults *FaultInjector

	// mu guards conn against the context cancellation callback.
	mu         sync.Mutex
	conn       net.Conn
	connClosed bool
	ctx        context.Context
	cancelled  bool

	currentState  stateType
	pending       []stateEvent
	timerRunning  bool
	timerDeadline time.Time
	finished      bool

	contextManager   *contextManager
	commandAssembler dimse.CommandAssembler

	// Bytes of the current P-DATA-TF PDU not yet consumed.
	pduRemaining uint32
	// Body of a P-DATA-TF whose header was read but whose content no
	// action consumed.
	unreadBody uint32
	// Set once a PDU header was rejected; its body is still on the wire.
	framingLost bool
	buf         []byte

	callingAETitle string
	calledAETitle  string
	store          ImageStore
	images         []*AssociatedImage
	current        *AssociatedImage

	lastSentCommand     uint16
	lastReceivedCommand uint16
	messageID           dimse.MessageID
	expectResponse      bool
	response            dimse.Message

	released bool
	err      error
}

func newSession(label string, isUser bool, params sessionParams, faults *FaultInjector) *Session {
	params.applyDefaults()
	log := params.log.WithField("session", label)
	return &Session{
		label:            label,
		isUser:           isUser,
		params:           params,
		log:              log,
		faults:           faults,
		currentState:     sta01,
		contextManager:   newContextManager(label, params.registry, params.maxPDUSize, log),
		commandAssembler: dimse.CommandAssembler{MaxSize: dimse.DefaultMaxCommandSize},
		buf:              make([]byte, params.readBufferSize),
	}
}

// Err is the first fatal error of the association, or nil.
func (s *Session) Err() error { return s.err }

// Released is true if the association ended with an A-RELEASE handshake.
func (s *Session) Released() bool { return s.released }

// Done is true once the session reached the idle state and closed its
// connection.
func (s *Session) Done() bool { return s.finished }

// Images lists the C-STORE transfers of the association in arrival order.
func (s *Session) Images() []*AssociatedImage { return s.images }

// StoredImages counts the images committed to their final location.
func (s *Session) StoredImages() int {
	n := 0
	for _, img := range s.images {
		if img.Stored() {
			n++
		}
	}
	return n
}

func (s *Session) CallingAETitle() string { return s.callingAETitle }

func (s *Session) CalledAETitle() string { return s.calledAETitle }

// PreferredTransferSyntax is the highest ranked transfer syntax accepted for
// any context of the association, or "".
func (s *Session) PreferredTransferSyntax() string {
	if p := s.contextManager.preferred; p != nil {
		return p.transferSyntaxUID
	}
	return ""
}

// ContextErrors lists negotiation errors that rejected a single presentation
// context without failing the association.
func (s *Session) ContextErrors() []error { return s.contextManager.contextErrors }

func (s *Session) remoteAddr() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

func (s *Session) setErr(err error) {
	if s.err == nil && err != nil {
		s.err = err
	}
}

func (s *Session) enqueue(ev stateEvent) {
	s.pending = append(s.pending, ev)
}

func (s *Session) dropPending() {
	s.pending = nil
}

func (s *Session) setConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.connClosed = false
}

func (s *Session) closeConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && !s.connClosed {
		dicomlog.Vprintf(1, "dicom.StateMachine %s: closing connection to %v", s.label, s.conn.RemoteAddr())
		s.conn.Close()
		s.connClosed = true
	}
}

// run drives the state machine until the session is idle again or until()
// reports true. until is checked before each step.
func (s *Session) run(ctx context.Context, until func() bool) {
	s.ctx = ctx
	s.cancelled = false
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conn != nil && !s.connClosed {
			s.conn.SetReadDeadline(time.Now())
		}
	})
	defer stop()
	for !s.finished {
		if until != nil && until() {
			return
		}
		s.runOneStep()
	}
}

// nextEvent returns the next event: a local abort when the context is done,
// else the first queued event, else the next PDU from the network.
func (s *Session) nextEvent() stateEvent {
	if s.ctx != nil && s.ctx.Err() != nil && !s.cancelled {
		switch s.currentState {
		case sta01, sta13:
		case sta02:
			// No association to abort yet.
			s.cancelled = true
			s.setErr(s.ctx.Err())
			s.dropPending()
			return stateEvent{event: evt17, err: s.ctx.Err()}
		default:
			s.cancelled = true
			s.setErr(s.ctx.Err())
			s.dropPending()
			return stateEvent{event: evt15, err: s.ctx.Err()}
		}
	}
	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		return ev
	}
	return s.readEvent()
}

func (s *Session) reader() io.Reader { return deadlineReader{s} }

// deadlineReader bounds every read by the read timeout, or by the ARTIM
// deadline while the timer runs.
type deadlineReader struct{ s *Session }

func (r deadlineReader) Read(p []byte) (int, error) {
	s := r.s
	s.mu.Lock()
	var deadline time.Time
	if s.params.readTimeout > 0 {
		deadline = time.Now().Add(s.params.readTimeout)
	}
	if s.timerRunning && (deadline.IsZero() || s.timerDeadline.Before(deadline)) {
		deadline = s.timerDeadline
	}
	if s.ctx != nil && s.ctx.Err() != nil {
		deadline = time.Now()
	}
	s.conn.SetReadDeadline(deadline)
	s.mu.Unlock()
	return s.conn.Read(p)
}

// discardCurrentImage drops the data set being received, if any.
func (s *Session) discardCurrentImage(reason string) {
	s.commandAssembler.Reset()
	img := s.current
	if img == nil {
		return
	}
	s.current = nil
	if img.file != nil && s.store != nil {
		if err := s.store.Discard(img.file); err != nil {
			s.log.WithError(err).WithField("file", img.file.Name()).Warn("failed to remove partial file")
		}
	}
	img.file = nil
	if img.Err == nil {
		img.Err = fmt.Errorf("netdicom: image %s discarded: %s", img.SOPInstanceUID, reason)
	}
	dicomlog.Vprintf(0, "dicom.StateMachine %s: %v", s.label, img.Err)
}

// finish runs once the session is idle again.
func (s *Session) finish() {
	if s.finished {
		return
	}
	s.finished = true
	s.stopTimer()
	s.dropPending()
	s.discardCurrentImage("association closed")
	s.closeConnection()
	entry := s.log.WithFields(logrus.Fields{
		"remote":   s.remoteAddr(),
		"calling":  s.callingAETitle,
		"called":   s.calledAETitle,
		"images":   s.StoredImages(),
		"released": s.released,
	})
	if s.err != nil && !s.released {
		entry.WithError(s.err).Warn("association ended")
		return
	}
	entry.Info("association closed")
}
