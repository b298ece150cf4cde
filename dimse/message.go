package dimse

// Implements the C-ECHO and C-STORE message types defined in P3.7.
//
// http://dicom.nema.org/medical/dicom/current/output/pdf/part07.pdf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/giesekow/dicomlink/commandset"
	"github.com/suyashkumar/dicom"
)

// Message defines the common interface for all DIMSE message types.
type Message interface {
	fmt.Stringer // Print human-readable description for debugging.
	Encode(io.Writer) error
	// GetMessageID extracts the message ID field. For responses it is the
	// message ID being responded to.
	GetMessageID() MessageID
	// CommandField returns the command field value of this message.
	CommandField() uint16
	// GetStatus returns the the response status value. It is nil for request message
	// types, and non-nil for response message types.
	GetStatus() *Status
	// HasData is true if we expect P_DATA_TF packets after the command packets.
	HasData() bool
}

const (
	CommandFieldCStoreRq  uint16 = 0x0001
	CommandFieldCStoreRsp uint16 = 0x8001
	CommandFieldCFindRq   uint16 = 0x0020
	CommandFieldCGetRq    uint16 = 0x0010
	CommandFieldCMoveRq   uint16 = 0x0021
	CommandFieldCEchoRq   uint16 = 0x0030
	CommandFieldCEchoRsp  uint16 = 0x8030
)

type MessageID = uint16

// UnsupportedCommandError is returned for a well-formed command set whose
// command field is not C-ECHO or C-STORE.
type UnsupportedCommandError struct {
	CommandField uint16
	MessageID    MessageID
}

func (e *UnsupportedCommandError) Error() string {
	return fmt.Sprintf("dimse: unsupported command 0x%04x (message %d)", e.CommandField, e.MessageID)
}

// ReadMessage converts the elements of a command set into a Message.
func ReadMessage(dataset *dicom.Dataset) (message Message, err error) {
	d := newMessageDecoder(dataset.Elements)
	commandField, err := d.GetUInt16(commandset.CommandField, RequiredElement)
	if err != nil {
		return nil, fmt.Errorf("ReadMessage: %w", err)
	}
	return d.Decode(commandField)
}

// DecodeMessage parses a complete command set as carried by command PDVs.
func DecodeMessage(data []byte) (Message, error) {
	elems, err := decodeElements(data)
	if err != nil {
		return nil, err
	}
	return ReadMessage(&dicom.Dataset{Elements: elems})
}

// EncodeMessage serializes the given message. DIMSE messages are always
// encoded implicit VR little endian, P3.7 6.3.1.
func EncodeMessage(out io.Writer, v Message) error {
	subEncoderBuffer := bytes.Buffer{}
	if err := v.Encode(&subEncoderBuffer); err != nil {
		return fmt.Errorf("EncodeMessage: error encoding message: %w", err)
	}
	writer, err := dicom.NewWriter(out)
	if err != nil {
		return fmt.Errorf("EncodeMessage: error creating writer: %w", err)
	}
	writer.SetTransferSyntax(binary.LittleEndian, true)
	element, err := NewElement(commandset.CommandGroupLength, uint32(subEncoderBuffer.Len()))
	if err != nil {
		return fmt.Errorf("EncodeMessage: failed to create CommandGroupLength element: %w", err)
	}
	if err := writer.WriteElement(element); err != nil {
		return fmt.Errorf("EncodeMessage: failed to write CommandGroupLength: %w", err)
	}
	if _, err := out.Write(subEncoderBuffer.Bytes()); err != nil {
		return fmt.Errorf("EncodeMessage: %w", err)
	}
	return nil
}

// EncodeMessageBytes is EncodeMessage into a fresh buffer.
func EncodeMessageBytes(v Message) ([]byte, error) {
	buf := bytes.Buffer{}
	if err := EncodeMessage(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
