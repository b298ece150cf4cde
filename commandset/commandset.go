// Package commandset lists the group 0000 command elements of P3.7 E.1 along
// with their value representations.
package commandset

import (
	"fmt"

	"github.com/suyashkumar/dicom/pkg/tag"
)

var (
	CommandGroupLength                   = tag.Tag{Group: 0x0000, Element: 0x0000}
	AffectedSOPClassUID                  = tag.Tag{Group: 0x0000, Element: 0x0002}
	RequestedSOPClassUID                 = tag.Tag{Group: 0x0000, Element: 0x0003}
	CommandField                         = tag.Tag{Group: 0x0000, Element: 0x0100}
	MessageID                            = tag.Tag{Group: 0x0000, Element: 0x0110}
	MessageIDBeingRespondedTo            = tag.Tag{Group: 0x0000, Element: 0x0120}
	MoveDestination                      = tag.Tag{Group: 0x0000, Element: 0x0600}
	Priority                             = tag.Tag{Group: 0x0000, Element: 0x0700}
	CommandDataSetType                   = tag.Tag{Group: 0x0000, Element: 0x0800}
	Status                               = tag.Tag{Group: 0x0000, Element: 0x0900}
	OffendingElement                     = tag.Tag{Group: 0x0000, Element: 0x0901}
	ErrorComment                         = tag.Tag{Group: 0x0000, Element: 0x0902}
	ErrorID                              = tag.Tag{Group: 0x0000, Element: 0x0903}
	AffectedSOPInstanceUID               = tag.Tag{Group: 0x0000, Element: 0x1000}
	RequestedSOPInstanceUID              = tag.Tag{Group: 0x0000, Element: 0x1001}
	EventTypeID                          = tag.Tag{Group: 0x0000, Element: 0x1002}
	AttributeIdentifierList              = tag.Tag{Group: 0x0000, Element: 0x1005}
	ActionTypeID                         = tag.Tag{Group: 0x0000, Element: 0x1008}
	NumberOfRemainingSuboperations       = tag.Tag{Group: 0x0000, Element: 0x1020}
	NumberOfCompletedSuboperations       = tag.Tag{Group: 0x0000, Element: 0x1021}
	NumberOfFailedSuboperations          = tag.Tag{Group: 0x0000, Element: 0x1022}
	NumberOfWarningSuboperations         = tag.Tag{Group: 0x0000, Element: 0x1023}
	MoveOriginatorApplicationEntityTitle = tag.Tag{Group: 0x0000, Element: 0x1030}
	MoveOriginatorMessageID              = tag.Tag{Group: 0x0000, Element: 0x1031}
)

// Info describes one command element.
type Info struct {
	Tag  tag.Tag
	VR   string
	Name string
}

var dictionary = map[tag.Tag]Info{}

func init() {
	for _, info := range []Info{
		{CommandGroupLength, "UL", "CommandGroupLength"},
		{AffectedSOPClassUID, "UI", "AffectedSOPClassUID"},
		{RequestedSOPClassUID, "UI", "RequestedSOPClassUID"},
		{CommandField, "US", "CommandField"},
		{MessageID, "US", "MessageID"},
		{MessageIDBeingRespondedTo, "US", "MessageIDBeingRespondedTo"},
		{MoveDestination, "AE", "MoveDestination"},
		{Priority, "US", "Priority"},
		{CommandDataSetType, "US", "CommandDataSetType"},
		{Status, "US", "Status"},
		{OffendingElement, "AT", "OffendingElement"},
		{ErrorComment, "LO", "ErrorComment"},
		{ErrorID, "US", "ErrorID"},
		{AffectedSOPInstanceUID, "UI", "AffectedSOPInstanceUID"},
		{RequestedSOPInstanceUID, "UI", "RequestedSOPInstanceUID"},
		{EventTypeID, "US", "EventTypeID"},
		{AttributeIdentifierList, "AT", "AttributeIdentifierList"},
		{ActionTypeID, "US", "ActionTypeID"},
		{NumberOfRemainingSuboperations, "US", "NumberOfRemainingSuboperations"},
		{NumberOfCompletedSuboperations, "US", "NumberOfCompletedSuboperations"},
		{NumberOfFailedSuboperations, "US", "NumberOfFailedSuboperations"},
		{NumberOfWarningSuboperations, "US", "NumberOfWarningSuboperations"},
		{MoveOriginatorApplicationEntityTitle, "AE", "MoveOriginatorApplicationEntityTitle"},
		{MoveOriginatorMessageID, "US", "MoveOriginatorMessageID"},
	} {
		dictionary[info.Tag] = info
	}
}

// Find looks up a command element. Elements outside group 0000, or not
// defined by P3.7, are not found.
func Find(t tag.Tag) (Info, bool) {
	info, ok := dictionary[t]
	return info, ok
}

// MustFind is Find for tags known at compile time.
func MustFind(t tag.Tag) Info {
	info, ok := Find(t)
	if !ok {
		panic(fmt.Sprintf("commandset: unknown tag %v", t))
	}
	return info
}

// Name returns a printable name for t.
func Name(t tag.Tag) string {
	if info, ok := Find(t); ok {
		return info.Name
	}
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}
