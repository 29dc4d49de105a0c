// Package track describes the output side of a depacketizer: the static
// format of a track and the sink that receives its samples.
package track

// MimeTypeH264 is the mime type of H264 tracks.
const MimeTypeH264 = "video/avc"

// Format is the static format of a track.
type Format struct {
	MimeType       string `json:"mimeType"`
	PayloadType    uint8  `json:"payloadType"`
	ClockRate      int    `json:"clockRate"`
	ProfileLevelID string `json:"profileLevelId,omitempty"`
	SPS            []byte `json:"sps,omitempty"`
	PPS            []byte `json:"pps,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
}

// Flags are sample flags.
type Flags uint32

// Sample flags.
const (
	FlagKeyFrame Flags = 1 << iota
)

// IsKeyFrame reports whether the key frame flag is set.
func (f Flags) IsKeyFrame() bool {
	return f&FlagKeyFrame != 0
}

// Output receives the format and the samples of a single track.
// Calls are made from a single goroutine.
type Output interface {
	// Format is called once before any sample data.
	Format(Format) error

	// SampleData appends bytes to the current sample.
	// The slice is only valid during the call.
	SampleData(data []byte) error

	// SampleMetadata finalizes a sample. The sample is made of the
	// size bytes that were appended before the last offset bytes.
	SampleMetadata(timeUs int64, flags Flags, size int, offset int) error
}
