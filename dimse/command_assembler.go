package dimse

import (
	"fmt"
)

// DefaultMaxCommandSize bounds the command set accumulated from PDV
// fragments. Real command sets are a few hundred bytes.
const DefaultMaxCommandSize = 64 * 1024

// CommandAssembler is a helper that assembles a DIMSE command message from a
// sequence of command PDV fragments. Data set fragments are not buffered
// here; the receiver streams them to storage.
type CommandAssembler struct {
	// MaxSize overrides DefaultMaxCommandSize when non-zero.
	MaxSize int

	contextID    byte
	commandBytes []byte
}

// AddCommand is to be called for each command fragment received from the
// network. When last is set it decodes the command set and returns <context
// ID, message, nil>. If it needs more fragments, it returns <0, nil, nil>.
func (a *CommandAssembler) AddCommand(contextID byte, value []byte, last bool) (byte, Message, error) {
	if a.contextID == 0 {
		a.contextID = contextID
	} else if a.contextID != contextID {
		err := fmt.Errorf("mixed context in command fragments: %d %d", a.contextID, contextID)
		a.Reset()
		return 0, nil, err
	}
	max := a.MaxSize
	if max == 0 {
		max = DefaultMaxCommandSize
	}
	if len(a.commandBytes)+len(value) > max {
		a.Reset()
		return 0, nil, fmt.Errorf("command set exceeds %d bytes", max)
	}
	a.commandBytes = append(a.commandBytes, value...)
	if !last {
		return 0, nil, nil
	}
	id := a.contextID
	command, err := DecodeMessage(a.commandBytes)
	a.Reset()
	if err != nil {
		return 0, nil, err
	}
	return id, command, nil
}

// Pending is true while a command set is partially received.
func (a *CommandAssembler) Pending() bool {
	return a.contextID != 0
}

// Reset drops any partially received command.
func (a *CommandAssembler) Reset() {
	a.contextID = 0
	a.commandBytes = a.commandBytes[:0]
}
