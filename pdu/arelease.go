package pdu

import (
	"github.com/giesekow/dicomlink/pdu/pdu_item"
	"github.com/suyashkumar/dicom/pkg/dicomio"
)

// P3.8 9.3.6
type AReleaseRq struct {
}

func (AReleaseRq) Read(d *dicomio.Reader) (PDU, error) {
	if err := d.Skip(4); err != nil {
		return nil, err
	}
	return &AReleaseRq{}, nil
}

func (pdu *AReleaseRq) Type() Type { return TypeAReleaseRq }

func (pdu *AReleaseRq) WritePayload(b *pdu_item.ItemBuffer) error {
	_, err := b.Write(make([]byte, 4))
	return err
}

func (pdu *AReleaseRq) String() string {
	return "A_RELEASE_RQ"
}

// P3.8 9.3.7
type AReleaseRp struct {
}

func (AReleaseRp) Read(d *dicomio.Reader) (PDU, error) {
	if err := d.Skip(4); err != nil {
		return nil, err
	}
	return &AReleaseRp{}, nil
}

func (pdu *AReleaseRp) Type() Type { return TypeAReleaseRp }

func (pdu *AReleaseRp) WritePayload(b *pdu_item.ItemBuffer) error {
	_, err := b.Write(make([]byte, 4))
	return err
}

func (pdu *AReleaseRp) String() string {
	return "A_RELEASE_RP"
}
