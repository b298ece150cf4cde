package netdicom

import (
	"encoding/binary"
	"fmt"

	godicom "github.com/grailbio/go-dicom"
	gdicomio "github.com/grailbio/go-dicom/dicomio"
	"github.com/grailbio/go-dicom/dicomtag"
)

// Group 0002 tags the dictionary may lack.
var (
	tagSourceApplicationEntityTitle    = dicomtag.Tag{Group: 0x0002, Element: 0x0016}
	tagReceivingApplicationEntityTitle = dicomtag.Tag{Group: 0x0002, Element: 0x0018}
)

// composeFileMeta returns the PS3.10 preamble, "DICM" and the group 0002
// elements to write ahead of the data set of img. Implementation class UID
// and version name are the go-dicom defaults.
func composeFileMeta(img *AssociatedImage, callingAETitle, calledAETitle string) ([]byte, error) {
	elems := []*godicom.Element{
		godicom.MustNewElement(dicomtag.MediaStorageSOPClassUID, img.SOPClassUID),
		godicom.MustNewElement(dicomtag.MediaStorageSOPInstanceUID, img.SOPInstanceUID),
		godicom.MustNewElement(dicomtag.TransferSyntaxUID, img.TransferSyntaxUID),
	}
	if callingAETitle != "" {
		elems = append(elems, &godicom.Element{Tag: tagSourceApplicationEntityTitle, VR: "AE", Value: []interface{}{callingAETitle}})
	}
	if calledAETitle != "" {
		elems = append(elems, &godicom.Element{Tag: tagReceivingApplicationEntityTitle, VR: "AE", Value: []interface{}{calledAETitle}})
	}
	e := gdicomio.NewBytesEncoder(binary.LittleEndian, gdicomio.ExplicitVR)
	godicom.WriteFileHeader(e, elems)
	if err := e.Error(); err != nil {
		return nil, fmt.Errorf("netdicom: file meta of %s: %w", img.SOPInstanceUID, err)
	}
	return e.Bytes(), nil
}
