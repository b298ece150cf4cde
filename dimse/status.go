package dimse

import (
	"fmt"

	"github.com/giesekow/dicomlink/commandset"
	"github.com/suyashkumar/dicom"
)

// Status is the outcome carried by a DIMSE response. P3.7 annex C lists the
// codes.
type Status struct {
	// Status==StatusSuccess on success. A non-zero value on error.
	Status StatusCode

	// Optional error payloads.
	ErrorComment string // Encoded as (0000,0902)
}

// Success is an OK status for a call.
var Success = Status{Status: StatusSuccess}

func (s Status) String() string {
	if s.ErrorComment == "" {
		return s.Status.String()
	}
	return fmt.Sprintf("%v(%q)", s.Status, s.ErrorComment)
}

// StatusCode represents a DIMSE service response code, as defined in P3.7
type StatusCode uint16

const (
	StatusSuccess               StatusCode = 0
	StatusCancel                StatusCode = 0xFE00
	StatusSOPClassNotSupported  StatusCode = 0x0112
	StatusInvalidAttributeValue StatusCode = 0x0106
	StatusUnrecognizedOperation StatusCode = 0x0211
	StatusNotAuthorized         StatusCode = 0x0124
	StatusPending               StatusCode = 0xff00

	// C-STORE-specific status codes. P3.4 GG4-1
	CStoreOutOfResources              StatusCode = 0xa700
	CStoreCannotUnderstand            StatusCode = 0xc000
	CStoreDataSetDoesNotMatchSOPClass StatusCode = 0xa900

	// CStoreLocalFailure is sent when the data set could not be written to
	// local storage. The transfer is reported as cancelled.
	CStoreLocalFailure = StatusCancel
)

var statusCodeNames = map[StatusCode]string{
	StatusSuccess:                     "Success",
	StatusCancel:                      "Cancel",
	StatusSOPClassNotSupported:        "SOPClassNotSupported",
	StatusInvalidAttributeValue:       "InvalidAttributeValue",
	StatusUnrecognizedOperation:       "UnrecognizedOperation",
	StatusNotAuthorized:               "NotAuthorized",
	StatusPending:                     "Pending",
	CStoreOutOfResources:              "OutOfResources",
	CStoreCannotUnderstand:            "CannotUnderstand",
	CStoreDataSetDoesNotMatchSOPClass: "DataSetDoesNotMatchSOPClass",
}

func (c StatusCode) String() string {
	if name, ok := statusCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("StatusCode(0x%04x)", uint16(c))
}

// Failed reports whether the status is a failure or a cancel. Warning
// statuses (0001, 0107, 0116 and Bxxx) count as completed, P3.7 C.1.
func (s Status) Failed() bool {
	switch c := s.Status; {
	case c == StatusSuccess, c == 0x0001, c == 0x0107, c == 0x0116:
		return false
	case c&0xf000 == 0xb000:
		return false
	}
	return true
}

func (s *Status) ToElements() ([]*dicom.Element, error) {
	l := elementList{owner: "Status"}
	l.add(commandset.Status, s.Status)
	if s.ErrorComment != "" {
		l.add(commandset.ErrorComment, s.ErrorComment)
	}
	return l.elems, l.err
}
