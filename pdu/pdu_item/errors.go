package pdu_item

import "fmt"

// UnexpectedPDUTypeError reports an item or PDU whose type byte does not
// match what the surrounding structure requires at that position.
type UnexpectedPDUTypeError struct {
	Context  string // where the mismatch happened, e.g. "A-ASSOCIATE-RQ"
	Expected []byte // acceptable type values
	Found    byte
}

func (e *UnexpectedPDUTypeError) Error() string {
	want := ""
	for i, t := range e.Expected {
		if i > 0 {
			want += "|"
		}
		want += fmt.Sprintf("0x%02x", t)
	}
	return fmt.Sprintf("%s: unexpected type 0x%02x, expected %s", e.Context, e.Found, want)
}

func unexpected(context string, found byte, expected ...byte) error {
	return &UnexpectedPDUTypeError{Context: context, Expected: expected, Found: found}
}
