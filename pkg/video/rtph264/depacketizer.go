// Package rtph264 reconstructs H264 access units from RTP packets, RFC 6184.
package rtph264

import (
	"errors"
	"fmt"
	"sync"

	"rtprec/pkg/log"
	"rtprec/pkg/rtptime"
	"rtprec/pkg/video/h264"
	"rtprec/pkg/video/track"

	"github.com/pion/rtp"
)

// Errors.
var (
	ErrShortPayload        = errors.New("payload is too short")
	ErrSTAPinvalid         = errors.New("invalid STAP-A packet (invalid size)")
	ErrFUinvalidSize       = errors.New("invalid FU-A packet (invalid size)")
	ErrTypeUnsupported     = errors.New("packet type not supported")
	ErrNoTrack             = errors.New("track not created")
	ErrTrackAlreadyCreated = errors.New("track already created")
)

var startCode = h264.StartCode()

// Stats are the depacketizer counters.
type Stats struct {
	Packets          uint64 `json:"packets"`
	Samples          uint64 `json:"samples"`
	KeyFrames        uint64 `json:"keyFrames"`
	Bytes            uint64 `json:"bytes"`
	DroppedFragments uint64 `json:"droppedFragments"`
	Errors           uint64 `json:"errors"`
}

// fragmentationState is the state carried between packets.
type fragmentationState struct {
	// Reconstructed header of the last starting fragment.
	nalHeader byte

	// Header and data of the starting fragment, valid until the next one.
	scratch []byte

	// Bytes written since the last sample was finalized.
	sampleSize int

	// Sequence number of the previous packet, of any type.
	prevSeq    uint16
	hasPrevSeq bool
}

// Depacketizer converts a single RTP/H264 stream into Annex-B samples.
// It is not safe for concurrent use, except for Stats.
type Depacketizer struct {
	format track.Format
	logger *log.Logger
	out    track.Output

	frag     fragmentationState
	keyFrame bool

	hasReference      bool
	referenceTS       uint32
	startTimeOffsetUs int64

	stats   Stats
	statsMu sync.Mutex
}

// NewDepacketizer allocates a Depacketizer.
func NewDepacketizer(format track.Format, logger *log.Logger) *Depacketizer {
	return &Depacketizer{
		format: format,
		logger: logger,
	}
}

// CreateTrack registers the track format with the output.
// It must be called once, before the first packet.
func (d *Depacketizer) CreateTrack(out track.Output) error {
	if d.out != nil {
		return ErrTrackAlreadyCreated
	}
	if err := out.Format(d.format); err != nil {
		return fmt.Errorf("set format: %w", err)
	}
	d.out = out
	return nil
}

// ConsumePacket is Consume for a pion/rtp packet.
func (d *Depacketizer) ConsumePacket(pkt *rtp.Packet) error {
	return d.Consume(pkt.Payload, pkt.Timestamp, pkt.SequenceNumber, pkt.Marker)
}

// Consume processes the payload of a single RTP packet. NALUs are
// written to the output as they are parsed and the sample is
// finalized when the marker is set. Packets must be delivered in order.
func (d *Depacketizer) Consume(payload []byte, timestamp uint32, seq uint16, marker bool) error {
	if d.out == nil {
		return ErrNoTrack
	}

	pkt, err := parse(payload)
	if err != nil {
		d.updateStats(func(s *Stats) { s.Errors++ })
		return err
	}

	if err := pkt.write(d, seq); err != nil {
		d.updateStats(func(s *Stats) { s.Errors++ })
		return err
	}

	if marker {
		if err := d.finalize(timestamp); err != nil {
			d.updateStats(func(s *Stats) { s.Errors++ })
			return err
		}
	}

	// Continuity is tracked across all packet types, not only fragments.
	d.frag.prevSeq = seq
	d.frag.hasPrevSeq = true

	d.updateStats(func(s *Stats) { s.Packets++ })
	return nil
}

// Seek sets a new time base. The next sample with the RTP timestamp
// nextRTPTimestamp gets the presentation time timeUs. The continuity
// state is kept.
func (d *Depacketizer) Seek(nextRTPTimestamp uint32, timeUs int64) {
	d.hasReference = true
	d.referenceTS = nextRTPTimestamp
	d.startTimeOffsetUs = timeUs
	d.frag.sampleSize = 0
}

// Stats returns a copy of the counters.
func (d *Depacketizer) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// Format returns the track format.
func (d *Depacketizer) Format() track.Format {
	return d.format
}

func (d *Depacketizer) updateStats(fn func(*Stats)) {
	d.statsMu.Lock()
	fn(&d.stats)
	d.statsMu.Unlock()
}

func (d *Depacketizer) writeNALU(parts ...[]byte) error {
	if err := d.out.SampleData(startCode); err != nil {
		return fmt.Errorf("write start code: %w", err)
	}
	d.frag.sampleSize += len(startCode)

	for _, p := range parts {
		if err := d.out.SampleData(p); err != nil {
			return fmt.Errorf("write sample data: %w", err)
		}
		d.frag.sampleSize += len(p)
	}
	return nil
}

func (p singleNALU) write(d *Depacketizer, _ uint16) error {
	if err := d.writeNALU(p.nalu); err != nil {
		return err
	}
	d.keyFrame = h264.TypeOf(p.nalu[0]) == h264.NALUTypeIDR
	return nil
}

func (p aggregation) write(d *Depacketizer, _ uint16) error {
	for _, nalu := range p.nalus {
		if err := d.writeNALU(nalu); err != nil {
			return err
		}
	}
	// Aggregated NALUs are never marked as key frames, even if one is an IDR.
	d.keyFrame = false
	return nil
}

func (p fragment) write(d *Depacketizer, seq uint16) error {
	if p.isStart() {
		d.frag.nalHeader = p.nalHeader()
		d.frag.scratch = append(d.frag.scratch[:0], d.frag.nalHeader)
		d.frag.scratch = append(d.frag.scratch, p.payload...)

		if err := d.writeNALU(d.frag.scratch); err != nil {
			return err
		}
	} else {
		expected := rtptime.NextSequenceNumber(d.frag.prevSeq)
		if !d.frag.hasPrevSeq || seq != expected {
			d.updateStats(func(s *Stats) { s.DroppedFragments++ })
			var lost int16
			if d.frag.hasPrevSeq {
				lost = rtptime.SequenceDiff(seq, expected)
			}
			d.logger.Warn().Src("rtph264").Msgf(
				"missing fragmented packet, expected sequence number %d, got %d (%d lost), dropping packet",
				expected, seq, lost)
			return nil
		}

		if err := d.out.SampleData(p.payload); err != nil {
			return fmt.Errorf("write sample data: %w", err)
		}
		d.frag.sampleSize += len(p.payload)
	}

	if p.isEnd() {
		d.keyFrame = h264.TypeOf(d.frag.nalHeader) == h264.NALUTypeIDR
	}
	return nil
}

func (d *Depacketizer) finalize(timestamp uint32) error {
	if !d.hasReference {
		d.hasReference = true
		d.referenceTS = timestamp
	}

	timeUs := rtptime.SampleTimeUs(
		d.referenceTS, timestamp, rtptime.ClockRateH264, d.startTimeOffsetUs)

	var flags track.Flags
	if d.keyFrame {
		flags |= track.FlagKeyFrame
	}

	size := d.frag.sampleSize
	d.frag.sampleSize = 0

	if err := d.out.SampleMetadata(timeUs, flags, size, 0); err != nil {
		return fmt.Errorf("finalize sample: %w", err)
	}

	d.updateStats(func(s *Stats) {
		s.Samples++
		s.Bytes += uint64(size)
		if flags.IsKeyFrame() {
			s.KeyFrames++
		}
	})
	return nil
}
