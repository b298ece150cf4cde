package dimse_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/giesekow/dicomlink/dimse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// element encodes one implicit VR little endian element.
func element(group, elem uint16, value []byte) []byte {
	b := make([]byte, 8, 8+len(value))
	binary.LittleEndian.PutUint16(b[0:], group)
	binary.LittleEndian.PutUint16(b[2:], elem)
	binary.LittleEndian.PutUint32(b[4:], uint32(len(value)))
	return append(b, value...)
}

func us(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func concat(parts ...[]byte) []byte {
	var b []byte
	for _, p := range parts {
		b = append(b, p...)
	}
	return b
}

func TestDecodeHandBuiltEcho(t *testing.T) {
	data := concat(
		element(0, 0x0002, []byte("1.2.840.10008.1.1\x00")),
		element(0, 0x0100, us(0x0030)),
		element(0, 0x0110, us(7)),
		element(0, 0x0800, us(0x0101)),
	)
	msg, err := dimse.DecodeMessage(data)
	require.NoError(t, err)
	rq, ok := msg.(*dimse.CEchoRq)
	require.True(t, ok, "got %v", msg)
	assert.Equal(t, dimse.MessageID(7), rq.MessageID)
	assert.False(t, rq.HasData())
	assert.Empty(t, rq.Extra)
}

func TestEchoResponseCarriesRequestID(t *testing.T) {
	rsp := &dimse.CEchoRsp{
		MessageIDBeingRespondedTo: 7,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		Status:                    dimse.Success,
	}
	data, err := dimse.EncodeMessageBytes(rsp)
	require.NoError(t, err)

	// Group length comes first and covers the rest of the command.
	require.True(t, len(data) > 12)
	assert.Equal(t, []byte{0, 0, 0, 0, 4, 0, 0, 0}, data[:8])
	assert.Equal(t, uint32(len(data)-12), binary.LittleEndian.Uint32(data[8:12]))

	msg, err := dimse.DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, rsp, msg)
	assert.Equal(t, dimse.MessageID(7), msg.GetMessageID())
	assert.Equal(t, dimse.StatusSuccess, msg.GetStatus().Status)
}

func TestStoreRequestRoundTrip(t *testing.T) {
	rq := &dimse.CStoreRq{
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		MessageID:              0x1234,
		Priority:               dimse.PriorityMedium,
		CommandDataSetType:     dimse.CommandDataSetTypeNonNull,
		AffectedSOPInstanceUID: "1.2.3",
	}
	data, err := dimse.EncodeMessageBytes(rq)
	require.NoError(t, err)
	assert.Equal(t, 0, len(data)%2)
	msg, err := dimse.DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, rq, msg)
	assert.True(t, msg.HasData())
}

func TestStoreFailureResponse(t *testing.T) {
	rsp := &dimse.CStoreRsp{
		AffectedSOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
		MessageIDBeingRespondedTo: 3,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		AffectedSOPInstanceUID:    "1.2.3.4",
		Status:                    dimse.Status{Status: dimse.CStoreLocalFailure, ErrorComment: "disk full"},
	}
	data, err := dimse.EncodeMessageBytes(rsp)
	require.NoError(t, err)
	msg, err := dimse.DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, rsp, msg)
	assert.Equal(t, dimse.StatusCode(0xFE00), msg.GetStatus().Status)
}

func TestUnknownElementIsAnError(t *testing.T) {
	for _, data := range [][]byte{
		concat(element(0, 0x0100, us(0x0030)), element(0, 0x0999, us(1))),
		concat(element(0, 0x0100, us(0x0030)), element(0x0008, 0x0016, []byte("1.2\x00"))),
	} {
		_, err := dimse.DecodeMessage(data)
		var unknown *dimse.UnknownElementError
		require.True(t, errors.As(err, &unknown), "got %v", err)
	}
}

func TestUnsupportedCommandKeepsMessageID(t *testing.T) {
	data := concat(
		element(0, 0x0002, []byte("1.2.840.10008.5.1.4.1.2.2.1\x00")),
		element(0, 0x0100, us(dimse.CommandFieldCFindRq)),
		element(0, 0x0110, us(11)),
		element(0, 0x0700, us(0)),
		element(0, 0x0800, us(1)),
	)
	_, err := dimse.DecodeMessage(data)
	var unsupported *dimse.UnsupportedCommandError
	require.True(t, errors.As(err, &unsupported), "got %v", err)
	assert.Equal(t, dimse.MessageID(11), unsupported.MessageID)
}

func TestMissingRequiredElement(t *testing.T) {
	// C-ECHO-RQ without a message ID.
	data := concat(
		element(0, 0x0100, us(0x0030)),
		element(0, 0x0800, us(0x0101)),
	)
	_, err := dimse.DecodeMessage(data)
	var missing *dimse.MissingElementError
	require.True(t, errors.As(err, &missing), "got %v", err)
	assert.Equal(t, uint16(0x0110), missing.Tag.Element)
}

func TestTruncatedCommand(t *testing.T) {
	data := element(0, 0x0110, us(7))
	_, err := dimse.DecodeMessage(data[:len(data)-1])
	assert.Error(t, err)
}

func TestCommandAssemblerFragments(t *testing.T) {
	data, err := dimse.EncodeMessageBytes(&dimse.CEchoRq{MessageID: 9, CommandDataSetType: dimse.CommandDataSetTypeNull})
	require.NoError(t, err)

	a := dimse.CommandAssembler{}
	third := len(data) / 3
	id, msg, err := a.AddCommand(1, data[:third], false)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.True(t, a.Pending())
	_, msg, err = a.AddCommand(1, data[third:2*third], false)
	require.NoError(t, err)
	assert.Nil(t, msg)
	id, msg, err = a.AddCommand(1, data[2*third:], true)
	require.NoError(t, err)
	assert.Equal(t, byte(1), id)
	assert.Equal(t, dimse.MessageID(9), msg.GetMessageID())
	assert.False(t, a.Pending())
}

func TestCommandAssemblerRejectsMixedContexts(t *testing.T) {
	a := dimse.CommandAssembler{}
	_, _, err := a.AddCommand(1, []byte{0, 0}, false)
	require.NoError(t, err)
	_, _, err = a.AddCommand(3, []byte{0, 0}, true)
	assert.Error(t, err)
	assert.False(t, a.Pending())
}

func TestCommandAssemblerBound(t *testing.T) {
	a := dimse.CommandAssembler{MaxSize: 16}
	_, _, err := a.AddCommand(1, make([]byte, 10), false)
	require.NoError(t, err)
	_, _, err = a.AddCommand(1, make([]byte, 10), false)
	assert.Error(t, err)
}

func TestStatusFailed(t *testing.T) {
	for code, failed := range map[dimse.StatusCode]bool{
		dimse.StatusSuccess:                     false,
		0xb000:                                  false,
		0xb007:                                  false,
		dimse.CStoreLocalFailure:                true,
		dimse.CStoreOutOfResources:              true,
		dimse.CStoreCannotUnderstand:            true,
		dimse.CStoreDataSetDoesNotMatchSOPClass: true,
	} {
		assert.Equal(t, failed, dimse.Status{Status: code}.Failed(), "%v", code)
	}
}
