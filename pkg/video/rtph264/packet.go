package rtph264

import (
	"encoding/binary"
	"fmt"

	"rtprec/pkg/video/h264"
)

// packet is a parsed RTP/H264 payload. The set of implementations is
// closed: singleNALU, aggregation and fragment.
type packet interface {
	write(d *Depacketizer, seq uint16) error
}

// singleNALU is a packet that carries exactly one NALU.
type singleNALU struct {
	nalu []byte
}

// aggregation is a STAP-A packet.
type aggregation struct {
	nalus [][]byte
}

// fragment is a FU-A packet.
type fragment struct {
	indicator byte
	header    byte
	payload   []byte // Fragment data after the FU header.
}

func (f fragment) isStart() bool {
	return f.header&0x80 != 0
}

func (f fragment) isEnd() bool {
	return f.header&0x40 != 0
}

// nalHeader reconstructs the header of the fragmented NALU.
func (f fragment) nalHeader() byte {
	return (f.indicator & 0xE0) | (f.header & 0x1F)
}

// parse decodes and validates a RTP/H264 payload. Nothing is written
// until the whole packet is known to be valid.
func parse(payload []byte) (packet, error) {
	if len(payload) < 1 {
		return nil, ErrShortPayload
	}

	typ := h264.TypeOf(payload[0])

	switch {
	case typ >= h264.NALUTypeNonIDR && typ < h264.NALUTypeSTAPA:
		return singleNALU{nalu: payload}, nil

	case typ == h264.NALUTypeSTAPA:
		return parseAggregation(payload)

	case typ == h264.NALUTypeFUA:
		if len(payload) < 2 {
			return nil, ErrFUinvalidSize
		}
		return fragment{
			indicator: payload[0],
			header:    payload[1],
			payload:   payload[2:],
		}, nil

	default:
		return nil, fmt.Errorf("%w (%v)", ErrTypeUnsupported, typ)
	}
}

func parseAggregation(payload []byte) (packet, error) {
	var nalus [][]byte

	// Skip the STAP-A header. Trailing bytes that cannot hold
	// more than a size field are ignored.
	buf := payload[1:]
	for len(buf) > 4 {
		size := int(binary.BigEndian.Uint16(buf))
		buf = buf[2:]

		if size > len(buf) {
			return nil, fmt.Errorf("%w: NALU size %d, remaining %d",
				ErrSTAPinvalid, size, len(buf))
		}

		nalus = append(nalus, buf[:size])
		buf = buf[size:]
	}

	return aggregation{nalus: nalus}, nil
}
