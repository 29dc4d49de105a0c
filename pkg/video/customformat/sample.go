package customformat

import "encoding/binary"

// Sample flags.
const (
	FlagIsSyncSample = uint8(0x2)
)

const sampleSize = 17

// Sample .
type Sample struct {
	IsSyncSample bool

	PTS    int64 // Microseconds.
	Offset uint32
	Size   uint32
}

// Marshal sample.
func (s Sample) Marshal() []byte {
	out := make([]byte, sampleSize)

	var flags uint8
	if s.IsSyncSample {
		flags |= FlagIsSyncSample
	}

	out[0] = flags
	binary.BigEndian.PutUint64(out[1:9], uint64(s.PTS))
	binary.BigEndian.PutUint32(out[9:13], s.Offset)
	binary.BigEndian.PutUint32(out[13:17], s.Size)
	return out
}

// Unmarshal sample.
func (s *Sample) Unmarshal(buf []byte) {
	s.IsSyncSample = buf[0]&FlagIsSyncSample != 0
	s.PTS = int64(binary.BigEndian.Uint64(buf[1:9]))
	s.Offset = binary.BigEndian.Uint32(buf[9:13])
	s.Size = binary.BigEndian.Uint32(buf[13:17])
}
