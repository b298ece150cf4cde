package netdicom

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/giesekow/dicomlink/pdu/pdu_item"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Part10File is a PS3.10 file split into what a C-STORE request needs.
type Part10File struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	// DataSet is the data set following the file meta, in the file's
	// transfer syntax.
	DataSet []byte
}

// ReadPart10File reads a DICOM file for sending with C-STORE.
func ReadPart10File(path string) (*Part10File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	offset, err := dataSetOffset(data)
	if err != nil {
		return nil, fmt.Errorf("netdicom: %s: %w", path, err)
	}
	ds, err := dicom.Parse(bufio.NewReader(bytes.NewReader(data)), int64(len(data)), nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("netdicom: %s: %w", path, err)
	}
	f := &Part10File{DataSet: data[offset:]}
	for _, v := range []struct {
		t   tag.Tag
		out *string
	}{
		{tag.MediaStorageSOPClassUID, &f.SOPClassUID},
		{tag.MediaStorageSOPInstanceUID, &f.SOPInstanceUID},
		{tag.TransferSyntaxUID, &f.TransferSyntaxUID},
	} {
		elem, err := ds.FindElementByTag(v.t)
		if err != nil {
			return nil, fmt.Errorf("netdicom: %s: %v: %w", path, v.t, err)
		}
		values, ok := elem.Value.GetValue().([]string)
		if !ok || len(values) == 0 {
			return nil, fmt.Errorf("netdicom: %s: %v is not a string", path, v.t)
		}
		*v.out = pdu_item.TrimName(values[0])
	}
	return f, nil
}

// dataSetOffset locates the end of the file meta from its group length
// element, which PS3.10 requires to come first.
func dataSetOffset(data []byte) (int, error) {
	const (
		preamble = 128
		groupLen = preamble + 4 // (0002,0000) UL, explicit VR little endian
		start    = groupLen + 12
	)
	if len(data) < start || string(data[preamble:groupLen]) != "DICM" {
		return 0, fmt.Errorf("not a DICOM part 10 file")
	}
	h := data[groupLen:start]
	if binary.LittleEndian.Uint16(h[0:2]) != 0x0002 || binary.LittleEndian.Uint16(h[2:4]) != 0x0000 || string(h[4:6]) != "UL" {
		return 0, fmt.Errorf("file meta does not start with its group length")
	}
	offset := start + int(binary.LittleEndian.Uint32(h[8:12]))
	if offset > len(data) {
		return 0, fmt.Errorf("file meta group length %d exceeds the file", offset-start)
	}
	return offset, nil
}
