package sopclass

// Abstract and transfer syntaxes this node negotiates. The tables are built
// once by NewRegistry and only read afterwards, so a Registry can be shared
// by any number of associations.

import (
	"fmt"
	"strings"

	"github.com/grailbio/go-dicom/dicomuid"
)

// TransferSyntax describes how a data set is encoded.
type TransferSyntax struct {
	Name         string
	UID          string
	LittleEndian bool
	ExplicitVR   bool
	Compressed   bool
}

func (ts TransferSyntax) String() string {
	return fmt.Sprintf("%s(%s)", ts.Name, ts.UID)
}

// AbstractSyntax is a SOP class together with the transfer syntaxes accepted
// for it. TransferSyntaxes holds indexes into the registry's transfer syntax
// table; a lower position means a higher priority.
type AbstractSyntax struct {
	Name             string
	UID              string
	TransferSyntaxes []int
}

// Well-known transfer syntax UIDs beyond the four uncompressed ones exported
// by dicomuid.
const (
	JPEGBaseline8Bit        = "1.2.840.10008.1.2.4.50"
	JPEGExtended12Bit       = "1.2.840.10008.1.2.4.51"
	JPEGLossless            = "1.2.840.10008.1.2.4.57"
	JPEGLosslessSV1         = "1.2.840.10008.1.2.4.70"
	JPEGLSLossless          = "1.2.840.10008.1.2.4.80"
	JPEGLSNearLossless      = "1.2.840.10008.1.2.4.81"
	JPEG2000Lossless        = "1.2.840.10008.1.2.4.90"
	JPEG2000                = "1.2.840.10008.1.2.4.91"
	RLELossless             = "1.2.840.10008.1.2.5"
	VerificationSOPClassUID = "1.2.840.10008.1.1"
	CTImageStorageUID       = "1.2.840.10008.5.1.4.1.1.2"
	MRImageStorageUID       = "1.2.840.10008.5.1.4.1.1.4"
)

// DefaultTransferSyntaxes is the transfer syntax table in global preference
// order.
var DefaultTransferSyntaxes = []TransferSyntax{
	{"ExplicitVRLittleEndian", dicomuid.ExplicitVRLittleEndian, true, true, false},
	{"ImplicitVRLittleEndian", dicomuid.ImplicitVRLittleEndian, true, false, false},
	{"ExplicitVRBigEndian", dicomuid.ExplicitVRBigEndian, false, true, false},
	{"JPEGLosslessSV1", JPEGLosslessSV1, true, true, true},
	{"JPEGLossless", JPEGLossless, true, true, true},
	{"JPEGBaseline8Bit", JPEGBaseline8Bit, true, true, true},
	{"JPEGExtended12Bit", JPEGExtended12Bit, true, true, true},
	{"JPEGLSLossless", JPEGLSLossless, true, true, true},
	{"JPEGLSNearLossless", JPEGLSNearLossless, true, true, true},
	{"JPEG2000Lossless", JPEG2000Lossless, true, true, true},
	{"JPEG2000", JPEG2000, true, true, true},
	{"RLELossless", RLELossless, true, true, true},
}

// AbstractSyntaxSpec names an abstract syntax and its transfer syntax UIDs in
// priority order.
type AbstractSyntaxSpec struct {
	Name             string
	UID              string
	TransferSyntaxes []string
}

var (
	uncompressed = []string{
		dicomuid.ExplicitVRLittleEndian,
		dicomuid.ImplicitVRLittleEndian,
		dicomuid.ExplicitVRBigEndian,
	}
	verification = []string{
		dicomuid.ImplicitVRLittleEndian,
		dicomuid.ExplicitVRLittleEndian,
		dicomuid.ExplicitVRBigEndian,
	}
	images = append(append([]string{}, uncompressed...),
		JPEGLosslessSV1,
		JPEGLossless,
		JPEGBaseline8Bit,
		JPEGExtended12Bit,
		JPEGLSLossless,
		JPEGLSNearLossless,
		JPEG2000Lossless,
		JPEG2000,
		RLELossless,
	)
)

// DefaultAbstractSyntaxes lists Verification and the storage SOP classes
// accepted by default.
var DefaultAbstractSyntaxes = []AbstractSyntaxSpec{
	{"VerificationSOPClass", VerificationSOPClassUID, verification},
	{"ComputedRadiographyImageStorage", "1.2.840.10008.5.1.4.1.1.1", images},
	{"DigitalXRayImagePresentationStorage", "1.2.840.10008.5.1.4.1.1.1.1", images},
	{"DigitalXRayImageProcessingStorage", "1.2.840.10008.5.1.4.1.1.1.1.1", images},
	{"CTImageStorage", CTImageStorageUID, images},
	{"EnhancedCTImageStorage", "1.2.840.10008.5.1.4.1.1.2.1", images},
	{"UltrasoundMultiframeImageStorage", "1.2.840.10008.5.1.4.1.1.3.1", images},
	{"MRImageStorage", MRImageStorageUID, images},
	{"EnhancedMRImageStorage", "1.2.840.10008.5.1.4.1.1.4.1", images},
	{"UltrasoundImageStorage", "1.2.840.10008.5.1.4.1.1.6.1", images},
	{"SecondaryCaptureImageStorage", "1.2.840.10008.5.1.4.1.1.7", images},
	{"XRayAngiographicImageStorage", "1.2.840.10008.5.1.4.1.1.12.1", images},
	{"XRayRadiofluoroscopicImageStorage", "1.2.840.10008.5.1.4.1.1.12.2", images},
	{"NuclearMedicineImageStorage", "1.2.840.10008.5.1.4.1.1.20", images},
	{"GrayscaleSoftcopyPresentationStateStorage", "1.2.840.10008.5.1.4.1.1.11.1", uncompressed},
	{"ColorSoftcopyPresentationStateStorage", "1.2.840.10008.5.1.4.1.1.11.2", uncompressed},
}

// Registry holds the transfer and abstract syntax tables.
type Registry struct {
	transferSyntaxes []TransferSyntax
	abstractSyntaxes []AbstractSyntax
	tsByUID          map[string]int
	asByUID          map[string]int
}

// NewRegistry builds the default registry.
func NewRegistry() *Registry {
	r, err := New(DefaultTransferSyntaxes, DefaultAbstractSyntaxes)
	if err != nil {
		panic(fmt.Sprintf("sopclass: default tables: %v", err))
	}
	return r
}

// New builds a registry from explicit tables. Every transfer syntax named by
// an abstract syntax must be present in transferSyntaxes.
func New(transferSyntaxes []TransferSyntax, abstractSyntaxes []AbstractSyntaxSpec) (*Registry, error) {
	r := &Registry{
		transferSyntaxes: append([]TransferSyntax(nil), transferSyntaxes...),
		tsByUID:          make(map[string]int, len(transferSyntaxes)),
		asByUID:          make(map[string]int, len(abstractSyntaxes)),
	}
	for i, ts := range r.transferSyntaxes {
		if _, ok := r.tsByUID[ts.UID]; ok {
			return nil, fmt.Errorf("duplicate transfer syntax %s", ts.UID)
		}
		r.tsByUID[ts.UID] = i
	}
	for _, def := range abstractSyntaxes {
		if _, ok := r.asByUID[def.UID]; ok {
			return nil, fmt.Errorf("duplicate abstract syntax %s", def.UID)
		}
		as := AbstractSyntax{Name: def.Name, UID: def.UID}
		for _, uid := range def.TransferSyntaxes {
			i, ok := r.tsByUID[uid]
			if !ok {
				return nil, fmt.Errorf("abstract syntax %s: unknown transfer syntax %s", def.Name, uid)
			}
			as.TransferSyntaxes = append(as.TransferSyntaxes, i)
		}
		if len(as.TransferSyntaxes) == 0 {
			return nil, fmt.Errorf("abstract syntax %s has no transfer syntax", def.Name)
		}
		r.asByUID[def.UID] = len(r.abstractSyntaxes)
		r.abstractSyntaxes = append(r.abstractSyntaxes, as)
	}
	return r, nil
}

// TransferSyntax returns the i-th transfer syntax.
func (r *Registry) TransferSyntax(i int) TransferSyntax { return r.transferSyntaxes[i] }

// AbstractSyntax returns the i-th abstract syntax.
func (r *Registry) AbstractSyntax(i int) AbstractSyntax { return r.abstractSyntaxes[i] }

// AbstractSyntaxUIDs lists every registered abstract syntax UID.
func (r *Registry) AbstractSyntaxUIDs() []string {
	uids := make([]string, len(r.abstractSyntaxes))
	for i, as := range r.abstractSyntaxes {
		uids[i] = as.UID
	}
	return uids
}

// LookupTransferSyntax finds a transfer syntax by UID. Trailing padding is
// ignored.
func (r *Registry) LookupTransferSyntax(uid string) (int, bool) {
	i, ok := r.tsByUID[trimUID(uid)]
	return i, ok
}

// LookupAbstractSyntax finds an abstract syntax by exact UID. Trailing
// padding is ignored.
func (r *Registry) LookupAbstractSyntax(uid string) (int, bool) {
	i, ok := r.asByUID[trimUID(uid)]
	return i, ok
}

// SelectTransferSyntax walks the abstract syntax's priority list and returns
// the first entry that is also in proposed. This is first-match: the order
// of proposed does not matter.
func (r *Registry) SelectTransferSyntax(abstractSyntax int, proposed []string) (int, bool) {
	offered := make(map[int]bool, len(proposed))
	for _, uid := range proposed {
		if i, ok := r.LookupTransferSyntax(uid); ok {
			offered[i] = true
		}
	}
	for _, i := range r.abstractSyntaxes[abstractSyntax].TransferSyntaxes {
		if offered[i] {
			return i, true
		}
	}
	return -1, false
}

// Uncompressed returns the native transfer syntax for the given encoding.
func (r *Registry) Uncompressed(littleEndian, explicitVR bool) (int, bool) {
	for i, ts := range r.transferSyntaxes {
		if !ts.Compressed && ts.LittleEndian == littleEndian && ts.ExplicitVR == explicitVR {
			return i, true
		}
	}
	return -1, false
}

// Describe returns a human readable UID name for logs.
func Describe(uid string) string {
	return dicomuid.UIDString(trimUID(uid))
}

func trimUID(uid string) string {
	return strings.TrimRight(uid, " \x00")
}
