package netdicom

import (
	"errors"
	"io"
	"unicode/utf8"

	"github.com/giesekow/dicomlink/dimse"
	"github.com/giesekow/dicomlink/pdu"
	"github.com/giesekow/dicomlink/pdu/pdu_item"
	"github.com/giesekow/dicomlink/sopclass"
	"github.com/grailbio/go-dicom/dicomlog"
	"github.com/sirupsen/logrus"
)

// maxErrorComment is the length limit of the LO Error Comment element.
const maxErrorComment = 64

// receivePDataTf is DT-2: it consumes the body of the P-DATA-TF whose header
// readEvent has just read.
func (s *Session) receivePDataTf() error {
	length := s.unreadBody
	s.unreadBody = 0
	return s.consumePDataTf(s.reader(), length)
}

// consumePDataTf parses the PDVs of one P-DATA-TF body of the given length
// from r. Command values are assembled in memory; data values are streamed to
// the current image in chunks of the read buffer, however r splits them.
// Transport errors are returned as is, protocol violations as
// *protocolError.
func (s *Session) consumePDataTf(r io.Reader, length uint32) error {
	s.pduRemaining = length
	if length == 0 {
		return newProtocolError(pdu.AbortReasonInvalidPDUParameterValue, "empty P-DATA-TF")
	}
	for s.pduRemaining > 0 {
		if s.pduRemaining < pdu.PDVHeaderSize {
			return newProtocolError(pdu.AbortReasonInvalidPDUParameterValue,
				"%d trailing bytes in P-DATA-TF", s.pduRemaining)
		}
		h, err := pdu.ReadPDVHeader(r)
		if err != nil {
			return transportOrProtocol(err)
		}
		s.pduRemaining -= pdu.PDVHeaderSize
		n := h.ValueLength()
		if n > s.pduRemaining {
			return newProtocolError(pdu.AbortReasonInvalidPDUParameterValue,
				"PDV of %d bytes overruns P-DATA-TF by %d bytes", n, n-s.pduRemaining)
		}
		if h.Command {
			err = s.onCommandFragment(r, h)
		} else {
			err = s.onDataFragment(r, h)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// transportOrProtocol tells a malformed PDV header from a failed read.
func transportOrProtocol(err error) error {
	var netErr interface{ Timeout() bool }
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &netErr) {
		return err
	}
	return newProtocolError(pdu.AbortReasonInvalidPDUParameterValue, "%v", err)
}

func (s *Session) onCommandFragment(r io.Reader, h pdu.PDVHeader) error {
	if img := s.current; img != nil {
		return newProtocolError(pdu.AbortReasonUnexpectedPDUParameter,
			"command fragment on context %d while data set of message %d is in flight", h.ContextID, img.MessageID)
	}
	value := make([]byte, h.ValueLength())
	if _, err := io.ReadFull(r, value); err != nil {
		return err
	}
	s.pduRemaining -= uint32(len(value))
	contextID, msg, err := s.commandAssembler.AddCommand(h.ContextID, value, h.Last)
	if err != nil {
		var unsupported *dimse.UnsupportedCommandError
		if errors.As(err, &unsupported) {
			return newProtocolError(pdu.AbortReasonUnrecognizedPDUParameter, "command set: %w", err)
		}
		return newProtocolError(pdu.AbortReasonInvalidPDUParameterValue, "command set: %w", err)
	}
	if msg == nil {
		return nil
	}
	return s.onCommand(contextID, msg)
}

func (s *Session) onCommand(contextID byte, msg dimse.Message) error {
	pc, err := s.contextManager.lookupByContextID(contextID)
	if err != nil {
		return newProtocolError(pdu.AbortReasonInvalidPDUParameterValue, "%v", err)
	}
	s.lastReceivedCommand = msg.CommandField()
	dicomlog.Vprintf(1, "dicom.StateMachine %s: Received DIMSE msg on context %d: %v", s.label, contextID, msg)
	switch m := msg.(type) {
	case *dimse.CEchoRq:
		s.respond(contextID, &dimse.CEchoRsp{
			MessageIDBeingRespondedTo: m.MessageID,
			CommandDataSetType:        dimse.CommandDataSetTypeNull,
			Status:                    dimse.Success,
		})
		return nil
	case *dimse.CStoreRq:
		s.onCStoreRequest(pc, m)
		return nil
	case *dimse.CEchoRsp, *dimse.CStoreRsp:
		return s.onResponse(msg)
	}
	return newProtocolError(pdu.AbortReasonUnrecognizedPDUParameter, "unsupported command %v", msg)
}

func (s *Session) onResponse(msg dimse.Message) error {
	if !s.expectResponse || msg.GetMessageID() != s.messageID {
		return &protocolError{
			reason: pdu.AbortReasonUnexpectedPDUParameter,
			err:    &UnexpectedResponseError{Expected: s.messageID, Response: msg},
		}
	}
	s.expectResponse = false
	s.response = msg
	return nil
}

// respond queues a DIMSE response on the context the request came in on.
func (s *Session) respond(contextID byte, msg dimse.Message) {
	if s.currentState != sta06 && s.currentState != sta08 {
		dicomlog.Vprintf(0, "dicom.StateMachine %s: dropping %v in %v", s.label, msg, s.currentState)
		return
	}
	s.enqueue(stateEvent{
		event:        evt09,
		dimsePayload: &stateEventDIMSEPayload{contextID: contextID, command: msg},
	})
}

func (s *Session) onCStoreRequest(pc *contextManagerEntry, m *dimse.CStoreRq) {
	img := &AssociatedImage{
		ContextID:         pc.contextID,
		MessageID:         m.MessageID,
		SOPClassUID:       pdu_item.TrimName(m.AffectedSOPClassUID),
		SOPInstanceUID:    pdu_item.TrimName(m.AffectedSOPInstanceUID),
		TransferSyntaxUID: pc.transferSyntaxUID,
		Status:            dimse.Success,
	}
	s.images = append(s.images, img)
	if !m.HasData() {
		img.failed = true
		img.Status = dimse.Status{Status: dimse.CStoreCannotUnderstand, ErrorComment: "no data set"}
		s.respondStore(img)
		return
	}
	s.current = img
	switch {
	case img.SOPClassUID != pc.abstractSyntaxUID:
		img.failed = true
		img.Status = dimse.Status{
			Status:       dimse.CStoreDataSetDoesNotMatchSOPClass,
			ErrorComment: errorComment("context negotiated for " + pc.abstractSyntaxUID),
		}
	case s.store == nil:
		s.failImage(img, errors.New("netdicom: no storage for called AE "+s.calledAETitle))
	}
}

// onDataFragment streams one data PDV value into the current image.
func (s *Session) onDataFragment(r io.Reader, h pdu.PDVHeader) error {
	img := s.current
	if img == nil || s.commandAssembler.Pending() {
		return newProtocolError(pdu.AbortReasonUnexpectedPDUParameter,
			"data fragment on context %d without a C-STORE request", h.ContextID)
	}
	if h.ContextID != img.ContextID {
		return newProtocolError(pdu.AbortReasonUnexpectedPDUParameter,
			"data fragment on context %d, expected %d", h.ContextID, img.ContextID)
	}
	remaining := h.ValueLength()
	for remaining > 0 {
		chunk := s.buf
		if uint32(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		n, err := r.Read(chunk)
		remaining -= uint32(n)
		s.pduRemaining -= uint32(n)
		if n > 0 {
			s.writeImageData(img, chunk[:n])
		}
		if err != nil {
			if remaining == 0 && errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
	}
	if h.Last {
		s.completeImage(img)
	}
	return nil
}

func (s *Session) writeImageData(img *AssociatedImage, p []byte) {
	img.Bytes += int64(len(p))
	if img.failed {
		return
	}
	if !img.opened {
		img.head = append(img.head, p...)
		if len(img.head) >= sniffWindow {
			s.openImage(img)
		}
		return
	}
	if _, err := img.file.Write(p); err != nil {
		s.failImage(img, err)
	}
}

// openImage creates the temp file of img and writes the file meta followed by
// the buffered head of the data set.
func (s *Session) openImage(img *AssociatedImage) {
	img.opened = true
	if pc, err := s.contextManager.lookupByContextID(img.ContextID); err == nil {
		if uid, changed := s.contextManager.sniffFallback(pc, img.head); changed {
			s.log.WithFields(logrus.Fields{
				"instance":   img.SOPInstanceUID,
				"negotiated": sopclass.Describe(img.TransferSyntaxUID),
				"recorded":   sopclass.Describe(uid),
			}).Warn("data set is not compressed, recording an uncompressed transfer syntax")
			img.TransferSyntaxUID = uid
		}
	}
	meta, err := composeFileMeta(img, s.callingAETitle, s.calledAETitle)
	if err != nil {
		s.failImage(img, err)
		return
	}
	tmp, err := s.store.CreateTemp()
	if err != nil {
		s.failImage(img, err)
		return
	}
	img.file = tmp
	for _, b := range [][]byte{meta, img.head} {
		if _, err := tmp.Write(b); err != nil {
			s.failImage(img, err)
			return
		}
	}
	img.head = nil
}

func (s *Session) completeImage(img *AssociatedImage) {
	s.current = nil
	if !img.failed && !img.opened {
		s.openImage(img)
	}
	if !img.failed {
		tmp := img.file
		img.file = nil
		path, err := s.store.Commit(tmp, img.SOPInstanceUID)
		if err != nil {
			s.failImage(img, err)
		} else {
			img.Path = path
			img.Status = dimse.Success
			s.log.WithFields(logrus.Fields{
				"instance": img.SOPInstanceUID,
				"class":    sopclass.Describe(img.SOPClassUID),
				"bytes":    img.Bytes,
				"path":     path,
			}).Info("stored image")
		}
	}
	s.respondStore(img)
}

// failImage marks the transfer failed. The rest of its data is drained and
// the C-STORE response carries the failure.
func (s *Session) failImage(img *AssociatedImage, err error) {
	img.failed = true
	img.Err = err
	img.Status = dimse.Status{Status: dimse.CStoreLocalFailure, ErrorComment: errorComment(err.Error())}
	img.head = nil
	if img.file != nil {
		if derr := s.store.Discard(img.file); derr != nil {
			s.log.WithError(derr).Warn("failed to remove partial file")
		}
		img.file = nil
	}
	s.log.WithError(err).WithField("instance", img.SOPInstanceUID).Error("failed to store image")
}

func (s *Session) respondStore(img *AssociatedImage) {
	s.respond(img.ContextID, &dimse.CStoreRsp{
		AffectedSOPClassUID:       img.SOPClassUID,
		MessageIDBeingRespondedTo: img.MessageID,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		AffectedSOPInstanceUID:    img.SOPInstanceUID,
		Status:                    img.Status,
	})
}

// errorComment cuts v to maxErrorComment bytes on a rune boundary.
func errorComment(v string) string {
	if len(v) <= maxErrorComment {
		return v
	}
	n := maxErrorComment
	for n > 0 && !utf8.RuneStart(v[n]) {
		n--
	}
	return v[:n]
}
