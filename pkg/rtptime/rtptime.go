// Package rtptime maps wrapped RTP clock and sequence values.
package rtptime

// ClockRateH264 is the RTP clock rate of H264 payloads.
const ClockRateH264 = 90000

// SampleTimeUs converts a RTP timestamp into a presentation time in
// microseconds relative to the reference timestamp.
// The difference between the two timestamps is a signed 32-bit delta,
// so the clock may wrap between reference and current.
func SampleTimeUs(reference uint32, current uint32, clockRate int, startTimeOffsetUs int64) int64 {
	delta := int64(int32(current - reference))
	return startTimeOffsetUs + delta*1000000/int64(clockRate)
}

// NextSequenceNumber returns the sequence number that follows seq.
func NextSequenceNumber(seq uint16) uint16 {
	return seq + 1
}

// SequenceDiff returns the signed distance from b to a.
func SequenceDiff(a uint16, b uint16) int16 {
	return int16(a - b)
}
