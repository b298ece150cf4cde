package netdicom

import (
	"fmt"
	"strings"
)

type faultInjectorAction int

const (
	faultInjectorContinue faultInjectorAction = iota
	faultInjectorDisconnect
)

// FaultInjector makes a session drop its connection at chosen points, for
// tests. One injector serves one session.
type FaultInjector struct {
	// Fuzz bytes, consumed one per send. A byte >= 0xe8 disconnects.
	fuzz  []byte
	steps int

	// disconnectAt is the 1-based index of the send that disconnects, or 0.
	disconnectAt int
	sends        int

	history []string
}

// NewFaultInjector creates an injector driven by fuzz input.
func NewFaultInjector(fuzz []byte) *FaultInjector {
	return &FaultInjector{fuzz: fuzz}
}

// NewDisconnectInjector creates an injector that closes the connection just
// before the nth PDU is sent.
func NewDisconnectInjector(n int) *FaultInjector {
	return &FaultInjector{disconnectAt: n}
}

func (f *FaultInjector) nextFuzzByte() byte {
	v := f.fuzz[f.steps]
	f.steps++
	if f.steps >= len(f.fuzz) {
		f.steps = 0
	}
	return v
}

func (f *FaultInjector) onSend(data []byte) faultInjectorAction {
	f.sends++
	action := faultInjectorContinue
	switch {
	case f.disconnectAt > 0 && f.sends == f.disconnectAt:
		action = faultInjectorDisconnect
	case len(f.fuzz) > 0 && f.nextFuzzByte() >= 0xe8:
		action = faultInjectorDisconnect
	}
	if action == faultInjectorDisconnect {
		f.history = append(f.history, fmt.Sprintf("disconnect before send %d (%d bytes)", f.sends, len(data)))
	}
	return action
}

func (f *FaultInjector) onStateTransition(oldState stateType, event eventType, action actionKind, newState stateType) {
	f.history = append(f.history, fmt.Sprintf("sta%02d+evt%02d->%s->sta%02d",
		int(oldState), int(event), actionDescriptions[action][0], int(newState)))
}

// String returns the history of the injector.
func (f *FaultInjector) String() string {
	return strings.Join(f.history, " ")
}
