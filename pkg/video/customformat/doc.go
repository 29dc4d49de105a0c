// Package customformat reads and writes H264 recordings in a custom format.
package customformat

// Custom format for storing recordings.
// Requirements.
//   1. Data must remain valid in case of a system failure.
//   2. Samples should be readable as soon as they are written.
//
//
//
// <recordingID>.mdat: File with continuous Annex-B access units.
//   []byte
//
// <recordingID>.meta: File that contains the track format and sample index.
//   version     uint8
//   clockRate   uint32
//   width       uint16
//   height      uint16
//   spsSize     uint16
//   sps         []byte
//   ppsSize     uint16
//   pps         []byte
//   startTimeNS int64
//   samples     []sampleV1
//
//
// sampleV1 { // 17 bytes.
//   flags uint8 { isSyncSample }
//   pts   int64 // Microseconds since the start of the recording.
//
//   // Offset in the mdat file where the access unit is stored.
//   offset uint32
//   size   uint32
// }
