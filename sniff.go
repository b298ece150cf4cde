package netdicom

import (
	"strings"

	"github.com/giesekow/dicomlink/sopclass"
)

// sniffWindow is the number of leading data set bytes needed to guess its
// encoding: tag (4), then VR (2) or the first half of the length.
const sniffWindow = 8

// Two-letter value representations of PS3.5 table 6.2-1.
const knownVRs = "AE AS AT CS DA DS DT FD FL IS LO LT OB OD OF OL OV OW PN SH SL SQ SS ST SV TM UC UI UL UN UR US UT UV"

type dataEncoding struct {
	littleEndian bool
	explicitVR   bool
}

// sniffEncoding guesses the encoding of a data set from its first element.
// Group numbers of a data set are small, so one of the two group bytes is
// zero and tells the byte order.
func sniffEncoding(head []byte) (dataEncoding, bool) {
	if len(head) < sniffWindow {
		return dataEncoding{}, false
	}
	var enc dataEncoding
	switch {
	case head[0] != 0 && head[1] == 0:
		enc.littleEndian = true
	case head[0] == 0 && head[1] != 0:
		enc.littleEndian = false
	default:
		return dataEncoding{}, false
	}
	enc.explicitVR = isVR(head[4], head[5])
	return enc, true
}

func isVR(a, b byte) bool {
	if a < 'A' || a > 'Z' || b < 'A' || b > 'Z' {
		return false
	}
	return strings.Contains(knownVRs, string([]byte{a, b}))
}

// certainlyUncompressed is true for encodings that encapsulated pixel data
// never uses. Explicit VR little endian is ambiguous.
func (e dataEncoding) certainlyUncompressed() bool {
	return !e.explicitVR || !e.littleEndian
}

func (e dataEncoding) matches(ts sopclass.TransferSyntax) bool {
	return !ts.Compressed && ts.LittleEndian == e.littleEndian && ts.ExplicitVR == e.explicitVR
}
