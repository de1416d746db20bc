package stream

import (
	"encoding/binary"

	"github.com/tphakala/lightfield/internal/errors"
)

var startCode = []byte{0, 0, 0, 1}

// ConvertAVCC rewrites a buffer of 4-byte length-prefixed NAL units into
// Annex-B with 4-byte start codes.
func ConvertAVCC(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for pos := 0; pos < len(data); {
		if len(data)-pos < 4 {
			return nil, errors.Newf("partial NAL length").
				Component("stream").
				Category(errors.CategoryDecode).
				Context("offset", pos).
				Build()
		}
		n := int(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
		if n > len(data)-pos {
			return nil, errors.Newf("partial NAL body").
				Component("stream").
				Category(errors.CategoryDecode).
				Context("offset", pos).
				Context("length", n).
				Build()
		}
		out = append(out, startCode...)
		out = append(out, data[pos:pos+n]...)
		pos += n
	}
	return out, nil
}

// SplitAnnexB splits an Annex-B buffer into NAL units. Both 3- and 4-byte
// start codes are accepted; leading bytes before the first start code are
// ignored.
func SplitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	start := -1
	for i := 0; i+2 < len(data); {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if start >= 0 {
				end := i
				// a 4-byte start code leaves one extra zero on the previous NALU
				if end > start && data[end-1] == 0 {
					end--
				}
				if end > start {
					nalus = append(nalus, data[start:end])
				}
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(data) {
		nalus = append(nalus, data[start:])
	}
	return nalus
}

// MarshalAnnexB joins NAL units with 4-byte start codes.
func MarshalAnnexB(nalus [][]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += len(startCode) + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		out = append(out, startCode...)
		out = append(out, n...)
	}
	return out
}
