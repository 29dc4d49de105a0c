package customformat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"rtprec/pkg/video/track"
)

const version = 1

// Header meta file header.
type Header struct {
	ClockRate uint32
	Width     uint16
	Height    uint16
	VideoSPS  []byte
	VideoPPS  []byte
	StartTime int64 // UnixNano.
}

// NewHeader creates a header from a track format.
func NewHeader(f track.Format, startTime int64) Header {
	return Header{
		ClockRate: uint32(f.ClockRate),
		Width:     uint16(f.Width),
		Height:    uint16(f.Height),
		VideoSPS:  f.SPS,
		VideoPPS:  f.PPS,
		StartTime: startTime,
	}
}

// Format returns the track format of the recording.
func (h Header) Format() track.Format {
	return track.Format{
		MimeType:  track.MimeTypeH264,
		ClockRate: int(h.ClockRate),
		Width:     int(h.Width),
		Height:    int(h.Height),
		SPS:       h.VideoSPS,
		PPS:       h.VideoPPS,
	}
}

// Size marshaled size.
func (h *Header) Size() int {
	return 21 + len(h.VideoSPS) + len(h.VideoPPS)
}

// Marshal header.
func (h Header) Marshal() []byte {
	out := make([]byte, h.Size())
	pos := 0

	out[pos] = version
	pos++

	binary.BigEndian.PutUint32(out[pos:pos+4], h.ClockRate)
	pos += 4
	binary.BigEndian.PutUint16(out[pos:pos+2], h.Width)
	pos += 2
	binary.BigEndian.PutUint16(out[pos:pos+2], h.Height)
	pos += 2

	marshalArray(out, &pos, h.VideoSPS)
	marshalArray(out, &pos, h.VideoPPS)

	binary.BigEndian.PutUint64(out[pos:pos+8], uint64(h.StartTime))

	return out
}

func marshalArray(out []byte, pos *int, value []byte) {
	size := len(value)
	binary.BigEndian.PutUint16(out[*pos:*pos+2], uint16(size))
	*pos += 2

	copy(out[*pos:*pos+size], value)
	*pos += size
}

// ErrUnsupportedVersion unsupported version.
var ErrUnsupportedVersion = errors.New("unsupported version")

// Unmarshal header from reader.
func (h *Header) Unmarshal(r io.Reader) (int, error) {
	fixed := make([]byte, 9)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return 0, err
	}
	if fixed[0] != version {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, fixed[0])
	}
	read := len(fixed)

	h.ClockRate = binary.BigEndian.Uint32(fixed[1:5])
	h.Width = binary.BigEndian.Uint16(fixed[5:7])
	h.Height = binary.BigEndian.Uint16(fixed[7:9])

	n, err := unmarshalArray(r, &h.VideoSPS)
	if err != nil {
		return 0, err
	}
	read += n

	n, err = unmarshalArray(r, &h.VideoPPS)
	if err != nil {
		return 0, err
	}
	read += n

	startTime := make([]byte, 8)
	n, err = io.ReadFull(r, startTime)
	if err != nil {
		return 0, err
	}
	h.StartTime = int64(binary.BigEndian.Uint64(startTime))
	read += n

	return read, nil
}

func unmarshalArray(r io.Reader, value *[]byte) (int, error) {
	sizeBuf := make([]byte, 2)
	n, err := io.ReadFull(r, sizeBuf)
	if err != nil {
		return 0, err
	}
	size := binary.BigEndian.Uint16(sizeBuf)

	*value = make([]byte, size)
	n2, err := io.ReadFull(r, *value)
	if err != nil {
		return 0, err
	}

	return n + n2, nil
}
