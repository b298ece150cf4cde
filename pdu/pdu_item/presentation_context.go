package pdu_item

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/suyashkumar/dicom/pkg/dicomio"
)

// ErrMissingSubItem is returned by validation when a mandatory nested item
// is absent.
var ErrMissingSubItem = errors.New("pdu_item: missing mandatory sub-item")

// PresentationContextResult is the result/reason byte of an A-ASSOCIATE-AC
// presentation context. P3.8 9.3.3.2, table 9-18.
type PresentationContextResult byte

const (
	PresentationContextAccepted                                    PresentationContextResult = 0
	PresentationContextUserRejection                               PresentationContextResult = 1
	PresentationContextProviderRejectionNoReason                   PresentationContextResult = 2
	PresentationContextProviderRejectionAbstractSyntaxNotSupported PresentationContextResult = 3
	PresentationContextProviderRejectionTransferSyntaxNotSupported PresentationContextResult = 4
)

func (v PresentationContextResult) String() string {
	switch v {
	case PresentationContextAccepted:
		return "accepted"
	case PresentationContextUserRejection:
		return "user-rejection"
	case PresentationContextProviderRejectionNoReason:
		return "no-reason"
	case PresentationContextProviderRejectionAbstractSyntaxNotSupported:
		return "abstract-syntax-not-supported"
	case PresentationContextProviderRejectionTransferSyntaxNotSupported:
		return "transfer-syntax-not-supported"
	}
	return fmt.Sprintf("result(%d)", byte(v))
}

// P3.8 9.3.2.2, 9.3.3.2
type PresentationContextItem struct {
	Type      byte // ItemTypePresentationContext*
	ContextID byte
	// 1 byte reserved

	// Result is meaningful iff Type=0x21, zero else.
	Result PresentationContextResult

	// 1 byte reserved
	Items []SubItem // List of {Abstract,Transfer}SyntaxSubItem
}

func decodePresentationContextItem(d *dicomio.Reader, itemType byte) (*PresentationContextItem, error) {
	v := &PresentationContextItem{Type: itemType}
	var hdr [4]byte
	if _, err := io.ReadFull(d, hdr[:]); err != nil {
		return nil, err
	}
	v.ContextID = hdr[0]
	v.Result = PresentationContextResult(hdr[2])
	for !d.IsLimitExhausted() {
		item, err := DecodeSubItem(d)
		if err != nil {
			return nil, err
		}
		v.Items = append(v.Items, item)
	}
	return v, nil
}

func (v *PresentationContextItem) ItemType() byte { return v.Type }

func (v *PresentationContextItem) Encode() (*ItemBuffer, error) {
	b := NewItemBuffer(v.Type)
	w := dicomio.NewWriter(b, binary.BigEndian, false)
	if err := w.WriteBytes([]byte{v.ContextID, 0, byte(v.Result), 0}); err != nil {
		return nil, err
	}
	for _, s := range v.Items {
		child, err := s.Encode()
		if err != nil {
			return nil, err
		}
		if err := b.Append(child); err != nil {
			return nil, err
		}
	}
	return b.Finalize(), nil
}

// AbstractSyntax returns the abstract syntax UID of a request context.
func (v *PresentationContextItem) AbstractSyntax() string {
	for _, item := range v.Items {
		if s, ok := item.(*AbstractSyntaxSubItem); ok {
			return s.Name
		}
	}
	return ""
}

// TransferSyntaxes lists the transfer syntax UIDs in proposal order.
func (v *PresentationContextItem) TransferSyntaxes() []string {
	var uids []string
	for _, item := range v.Items {
		if s, ok := item.(*TransferSyntaxSubItem); ok {
			uids = append(uids, s.Name)
		}
	}
	return uids
}

// ValidateRequest checks the layout of a 0x20 item: one abstract syntax
// followed by one or more transfer syntaxes.
func (v *PresentationContextItem) ValidateRequest() error {
	const context = "presentation context RQ"
	if v.Type != ItemTypePresentationContextRequest {
		return unexpected(context, v.Type, ItemTypePresentationContextRequest)
	}
	if len(v.Items) == 0 {
		return fmt.Errorf("%s %d: abstract syntax: %w", context, v.ContextID, ErrMissingSubItem)
	}
	if t := v.Items[0].ItemType(); t != ItemTypeAbstractSyntax {
		return unexpected(context, t, ItemTypeAbstractSyntax)
	}
	if len(v.Items) == 1 {
		return fmt.Errorf("%s %d: transfer syntax: %w", context, v.ContextID, ErrMissingSubItem)
	}
	for _, item := range v.Items[1:] {
		if t := item.ItemType(); t != ItemTypeTransferSyntax {
			return unexpected(context, t, ItemTypeTransferSyntax)
		}
	}
	return nil
}

// ValidateResponse checks the layout of a 0x21 item: at most one transfer
// syntax and nothing else.
func (v *PresentationContextItem) ValidateResponse() error {
	const context = "presentation context AC"
	if v.Type != ItemTypePresentationContextResponse {
		return unexpected(context, v.Type, ItemTypePresentationContextResponse)
	}
	for _, item := range v.Items {
		if t := item.ItemType(); t != ItemTypeTransferSyntax {
			return unexpected(context, t, ItemTypeTransferSyntax)
		}
	}
	if len(v.Items) > 1 {
		return fmt.Errorf("%s %d: %d transfer syntaxes, expected at most one", context, v.ContextID, len(v.Items))
	}
	if v.Result == PresentationContextAccepted && len(v.Items) == 0 {
		return fmt.Errorf("%s %d: transfer syntax: %w", context, v.ContextID, ErrMissingSubItem)
	}
	return nil
}

func (v *PresentationContextItem) String() string {
	itemType := "rq"
	if v.Type == ItemTypePresentationContextResponse {
		itemType = "ac"
	}
	return fmt.Sprintf("presentationcontext%s{id: %d result: %v, items:%s}",
		itemType, v.ContextID, v.Result, SubItemListString(v.Items))
}
