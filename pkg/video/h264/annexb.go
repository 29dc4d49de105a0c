package h264

import "errors"

// StartCodeSize is the size of the Annex-B start code.
const StartCodeSize = 4

// MaxNALUSize is the maximum size of a NALU.
// with a 250 Mbps H264 video, the maximum NALU size is 2.2MB.
const MaxNALUSize = 3 * 1024 * 1024

// StartCode returns the 4-byte Annex-B start code.
// A new slice is returned every call.
func StartCode() []byte {
	return []byte{0x00, 0x00, 0x00, 0x01}
}

// AnnexBEncode encodes NALUs into the Annex-B stream format.
func AnnexBEncode(nalus [][]byte) []byte {
	n := 0
	for _, nalu := range nalus {
		n += StartCodeSize + len(nalu)
	}

	buf := make([]byte, n)
	pos := 0
	for _, nalu := range nalus {
		pos += copy(buf[pos:], []byte{0x00, 0x00, 0x00, 0x01})
		pos += copy(buf[pos:], nalu)
	}
	return buf
}

// Annex-B errors.
var (
	ErrAnnexBMissingStartCode = errors.New("initial delimiter not found")
	ErrAnnexBEmptyNALU        = errors.New("empty NALU")
)

// AnnexBUnmarshal decodes NALUs from the Annex-B stream format.
// Both 3 and 4 byte start codes are accepted.
func AnnexBUnmarshal(buf []byte) ([][]byte, error) {
	start := startCodeEnd(buf, 0)
	if start < 0 {
		return nil, ErrAnnexBMissingStartCode
	}

	var ret [][]byte
	for start < len(buf) {
		next, nextStart := len(buf), len(buf)
		for i := start; i+2 < len(buf); i++ {
			if buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1 {
				next = i
				if next > start && buf[next-1] == 0 {
					next--
				}
				nextStart = i + 3
				break
			}
		}

		if next == start {
			return nil, ErrAnnexBEmptyNALU
		}
		ret = append(ret, buf[start:next])
		start = nextStart
	}

	return ret, nil
}

func startCodeEnd(buf []byte, pos int) int {
	switch {
	case len(buf) >= pos+4 && buf[pos] == 0 && buf[pos+1] == 0 &&
		buf[pos+2] == 0 && buf[pos+3] == 1:
		return pos + 4
	case len(buf) >= pos+3 && buf[pos] == 0 && buf[pos+1] == 0 && buf[pos+2] == 1:
		return pos + 3
	}
	return -1
}

// IDRPresent check if there's an IDR inside provided NALUs.
func IDRPresent(nalus [][]byte) bool {
	for _, nalu := range nalus {
		if len(nalu) != 0 && TypeOf(nalu[0]) == NALUTypeIDR {
			return true
		}
	}
	return false
}

// EmulationPreventionRemove removes emulation prevention bytes from a NALU.
func EmulationPreventionRemove(nalu []byte) []byte {
	// 0x00 0x00 0x03 0x0X -> 0x00 0x00 0x0X
	n := 0
	for i := 2; i < len(nalu); i++ {
		if nalu[i] == 3 && nalu[i-1] == 0 && nalu[i-2] == 0 {
			n++
			i += 2
		}
	}
	if n == 0 {
		return nalu
	}

	ret := make([]byte, 0, len(nalu)-n)
	zeros := 0
	for _, b := range nalu {
		if zeros == 2 && b == 3 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		ret = append(ret, b)
	}
	return ret
}
