package rtph264

import (
	"bytes"
	"testing"
	"time"

	"rtprec/pkg/log"
	"rtprec/pkg/video/track"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func newTestDepacketizer(t *testing.T) (*Depacketizer, *track.Buffer, *log.Logger) {
	logger := log.NewMockLogger()
	d := NewDepacketizer(track.Format{
		MimeType:  track.MimeTypeH264,
		ClockRate: 90000,
	}, logger)

	out := track.NewBuffer()
	require.NoError(t, d.CreateTrack(out))
	return d, out, logger
}

func annexB(nalus ...[]byte) []byte {
	var buf bytes.Buffer
	for _, nalu := range nalus {
		buf.Write([]byte{0, 0, 0, 1})
		buf.Write(nalu)
	}
	return buf.Bytes()
}

func TestCreateTrack(t *testing.T) {
	d := NewDepacketizer(track.Format{MimeType: track.MimeTypeH264}, log.NewMockLogger())

	err := d.Consume([]byte{0x41, 1}, 0, 0, true)
	require.ErrorIs(t, err, ErrNoTrack)

	out := track.NewBuffer()
	require.NoError(t, d.CreateTrack(out))
	require.Equal(t, track.MimeTypeH264, out.TrackFormat().MimeType)

	require.ErrorIs(t, d.CreateTrack(out), ErrTrackAlreadyCreated)
}

func TestSingleNALU(t *testing.T) {
	for typ := byte(1); typ <= 23; typ++ {
		d, out, _ := newTestDepacketizer(t)

		payload := []byte{0x60 | typ, 0xaa, 0xbb, 0xcc}
		require.NoError(t, d.Consume(payload, 1000, 1, true))

		samples := out.Samples()
		require.Len(t, samples, 1)
		require.Equal(t, annexB(payload), samples[0].Data)
		require.Equal(t, typ == 5, samples[0].Flags.IsKeyFrame(), "type %d", typ)
		require.Equal(t, int64(0), samples[0].TimeUs)
	}
}

func TestAggregation(t *testing.T) {
	t.Run("two nalus", func(t *testing.T) {
		d, out, _ := newTestDepacketizer(t)

		sps := []byte{0x67, 1, 2, 3}
		idr := []byte{0x65, 4, 5, 6, 7, 8}
		payload := []byte{0x18, 0x00, 0x04}
		payload = append(payload, sps...)
		payload = append(payload, 0x00, 0x06)
		payload = append(payload, idr...)

		require.NoError(t, d.Consume(payload, 0, 1, true))

		samples := out.Samples()
		require.Len(t, samples, 1)
		require.Equal(t, annexB(sps, idr), samples[0].Data)

		// Aggregation packets are never key frames, even with an IDR inside.
		require.False(t, samples[0].Flags.IsKeyFrame())
	})
	t.Run("clears previous key frame", func(t *testing.T) {
		d, out, _ := newTestDepacketizer(t)

		require.NoError(t, d.Consume([]byte{0x65, 1}, 0, 1, false))
		require.NoError(t, d.Consume([]byte{0x18, 0x00, 0x03, 0x41, 9, 8}, 0, 2, true))

		samples := out.Samples()
		require.Len(t, samples, 1)
		require.Equal(t, annexB([]byte{0x65, 1}, []byte{0x41, 9, 8}), samples[0].Data)
		require.False(t, samples[0].Flags.IsKeyFrame())
	})
	t.Run("trailing bytes", func(t *testing.T) {
		d, out, _ := newTestDepacketizer(t)

		payload := []byte{0x18, 0x00, 0x03, 0x41, 1, 2, 0, 0, 0, 0}
		require.NoError(t, d.Consume(payload, 0, 1, true))
		require.Equal(t, annexB([]byte{0x41, 1, 2}), out.Samples()[0].Data)
	})
	t.Run("short last nalu", func(t *testing.T) {
		d, out, _ := newTestDepacketizer(t)

		// Four bytes remain after the first NALU: a size field
		// and a 2 byte NALU, which is not emitted.
		payload := []byte{0x18, 0x00, 0x03, 0x41, 1, 2, 0x00, 0x02, 0x41, 3}
		require.NoError(t, d.Consume(payload, 0, 1, true))
		require.Equal(t, annexB([]byte{0x41, 1, 2}), out.Samples()[0].Data)
	})
	t.Run("invalid size", func(t *testing.T) {
		d, out, _ := newTestDepacketizer(t)

		payload := []byte{0x18, 0x00, 0x02, 0x41, 1, 0x00, 0x09, 0x41, 2, 3}
		err := d.Consume(payload, 0, 1, true)
		require.ErrorIs(t, err, ErrSTAPinvalid)

		require.Empty(t, out.Pending())
		require.Empty(t, out.Samples())
		require.Equal(t, uint64(1), d.Stats().Errors)
	})
}

func TestFragmentation(t *testing.T) {
	t.Run("start and end", func(t *testing.T) {
		d, out, _ := newTestDepacketizer(t)

		// nal_ref_idc 3, type IDR.
		fu1 := []byte{0x7c, 0x85, 1, 2, 3}
		fu2 := []byte{0x7c, 0x45, 4, 5}

		require.NoError(t, d.Consume(fu1, 0, 10, false))
		require.Empty(t, out.Samples())
		require.NoError(t, d.Consume(fu2, 0, 11, true))

		samples := out.Samples()
		require.Len(t, samples, 1)
		require.Len(t, samples[0].Data, 4+1+(len(fu1)-2)+(len(fu2)-2))
		require.Equal(t, annexB([]byte{0x65, 1, 2, 3, 4, 5}), samples[0].Data)
		require.True(t, samples[0].Flags.IsKeyFrame())
	})
	t.Run("many fragments", func(t *testing.T) {
		d, out, _ := newTestDepacketizer(t)

		packets := [][]byte{
			{0x5c, 0x81, 1},
			{0x5c, 0x01, 2, 3},
			{0x5c, 0x01, 4},
			{0x5c, 0x41, 5, 6},
		}
		for i, p := range packets {
			require.NoError(t, d.Consume(p, 3000, uint16(100+i), i == len(packets)-1))
		}

		samples := out.Samples()
		require.Len(t, samples, 1)
		require.Equal(t, annexB([]byte{0x41, 1, 2, 3, 4, 5, 6}), samples[0].Data)
		require.False(t, samples[0].Flags.IsKeyFrame())
	})
	t.Run("start and end in one packet", func(t *testing.T) {
		d, out, _ := newTestDepacketizer(t)

		require.NoError(t, d.Consume([]byte{0x7c, 0xc5, 9}, 0, 1, true))
		require.Equal(t, annexB([]byte{0x65, 9}), out.Samples()[0].Data)
		require.True(t, out.Samples()[0].Flags.IsKeyFrame())
	})
	t.Run("does not modify input", func(t *testing.T) {
		d, _, _ := newTestDepacketizer(t)

		fu := []byte{0x7c, 0x85, 1}
		require.NoError(t, d.Consume(fu, 0, 1, false))
		require.Equal(t, []byte{0x7c, 0x85, 1}, fu)
	})
	t.Run("key frame from first fragment", func(t *testing.T) {
		d, out, _ := newTestDepacketizer(t)

		require.NoError(t, d.Consume([]byte{0x7c, 0x85, 1}, 0, 1, false))
		// Type bits of later fragments are ignored.
		require.NoError(t, d.Consume([]byte{0x7c, 0x41, 2}, 0, 2, true))
		require.True(t, out.Samples()[0].Flags.IsKeyFrame())
	})
	t.Run("invalid size", func(t *testing.T) {
		d, _, _ := newTestDepacketizer(t)
		require.ErrorIs(t, d.Consume([]byte{0x1c}, 0, 1, true), ErrFUinvalidSize)
	})
}

func TestMissingFragment(t *testing.T) {
	t.Run("dropped", func(t *testing.T) {
		d, out, logger := newTestDepacketizer(t)

		feed, cancel := logger.Subscribe()
		defer cancel()

		require.NoError(t, d.Consume([]byte{0x7c, 0x85, 1, 2}, 0, 10, false))
		require.NoError(t, d.Consume([]byte{0x7c, 0x05, 3, 4}, 0, 12, false))

		entry := <-feed
		require.Equal(t, log.LevelWarning, entry.Level)
		require.Equal(t, "rtph264", entry.Src)
		require.Equal(t,
			"missing fragmented packet, expected sequence number 11, got 12 (1 lost), dropping packet",
			entry.Msg)

		require.NoError(t, d.Consume([]byte{0x7c, 0x45, 5}, 0, 13, true))

		// The sample is incomplete but still finalized.
		samples := out.Samples()
		require.Len(t, samples, 1)
		require.Equal(t, annexB([]byte{0x65, 1, 2, 5}), samples[0].Data)
		require.True(t, samples[0].Flags.IsKeyFrame())

		stats := d.Stats()
		require.Equal(t, uint64(1), stats.DroppedFragments)
		require.Equal(t, uint64(3), stats.Packets)
		require.Equal(t, uint64(0), stats.Errors)
	})
	t.Run("stalled log subscriber", func(t *testing.T) {
		d, _, logger := newTestDepacketizer(t)

		_, cancel := logger.Subscribe()
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			// Every continuation is out of sequence and logs a warning.
			for i := 0; i < 1000; i++ {
				d.Consume([]byte{0x7c, 0x05, 1}, 0, uint16(i*2), false) //nolint:errcheck
			}
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("consume blocked on log subscriber")
		}
		require.Equal(t, uint64(1000), d.Stats().DroppedFragments)
	})
	t.Run("dropped with marker", func(t *testing.T) {
		d, out, _ := newTestDepacketizer(t)

		require.NoError(t, d.Consume([]byte{0x7c, 0x85, 1}, 0, 10, false))
		require.NoError(t, d.Consume([]byte{0x7c, 0x45, 2}, 0, 20, true))

		samples := out.Samples()
		require.Len(t, samples, 1)
		require.Equal(t, annexB([]byte{0x65, 1}), samples[0].Data)
	})
	t.Run("no previous packet", func(t *testing.T) {
		d, out, _ := newTestDepacketizer(t)

		require.NoError(t, d.Consume([]byte{0x7c, 0x45, 2}, 0, 0, true))
		require.Equal(t, uint64(1), d.Stats().DroppedFragments)
		require.Empty(t, out.Samples()[0].Data)
	})
	t.Run("sequence wraparound", func(t *testing.T) {
		d, out, _ := newTestDepacketizer(t)

		require.NoError(t, d.Consume([]byte{0x5c, 0x81, 1}, 0, 65534, false))
		require.NoError(t, d.Consume([]byte{0x5c, 0x01, 2}, 0, 65535, false))
		require.NoError(t, d.Consume([]byte{0x5c, 0x41, 3}, 0, 0, true))

		require.Equal(t, annexB([]byte{0x41, 1, 2, 3}), out.Samples()[0].Data)
		require.Equal(t, uint64(0), d.Stats().DroppedFragments)
	})
	t.Run("interleaved packet", func(t *testing.T) {
		d, out, _ := newTestDepacketizer(t)

		require.NoError(t, d.Consume([]byte{0x5c, 0x81, 1}, 0, 5, false))
		require.NoError(t, d.Consume([]byte{0x06, 7}, 0, 6, false))
		require.NoError(t, d.Consume([]byte{0x5c, 0x41, 2}, 0, 7, true))

		require.Equal(t,
			append(annexB([]byte{0x41, 1}, []byte{0x06, 7}), 2),
			out.Samples()[0].Data)
		require.Equal(t, uint64(0), d.Stats().DroppedFragments)
	})
}

func TestUnsupported(t *testing.T) {
	for _, typ := range []byte{0, 25, 26, 27, 29, 30, 31} {
		d, out, _ := newTestDepacketizer(t)

		err := d.Consume([]byte{typ, 1, 2, 3}, 0, 1, true)
		require.ErrorIs(t, err, ErrTypeUnsupported)
		require.Empty(t, out.Pending())
		require.Empty(t, out.Samples())
	}

	t.Run("message", func(t *testing.T) {
		d, _, _ := newTestDepacketizer(t)
		err := d.Consume([]byte{0x19}, 0, 1, false)
		require.EqualError(t, err, "packet type not supported (STAP-B)")
	})
	t.Run("state unchanged", func(t *testing.T) {
		d, out, _ := newTestDepacketizer(t)

		require.NoError(t, d.Consume([]byte{0x5c, 0x81, 1}, 0, 1, false))
		require.Error(t, d.Consume([]byte{0x1d, 0, 0}, 0, 5, true))
		require.ErrorIs(t, d.Consume(nil, 0, 6, true), ErrShortPayload)

		// Sequence number of the failed packets is not recorded.
		require.NoError(t, d.Consume([]byte{0x5c, 0x41, 2}, 0, 2, true))
		require.Equal(t, annexB([]byte{0x41, 1, 2}), out.Samples()[0].Data)
		require.Equal(t, uint64(2), d.Stats().Errors)
	})
}

func TestTimestamps(t *testing.T) {
	t.Run("reference is first marker", func(t *testing.T) {
		d, out, _ := newTestDepacketizer(t)

		require.NoError(t, d.Consume([]byte{0x41, 1}, 500, 1, false))
		require.NoError(t, d.Consume([]byte{0x41, 2}, 9000, 2, true))
		require.NoError(t, d.Consume([]byte{0x41, 3}, 18000, 3, true))
		require.NoError(t, d.Consume([]byte{0x41, 4}, 99000, 4, true))

		samples := out.Samples()
		require.Len(t, samples, 3)
		require.Equal(t, int64(0), samples[0].TimeUs)
		require.Equal(t, int64(100000), samples[1].TimeUs)
		require.Equal(t, int64(1000000), samples[2].TimeUs)
	})
	t.Run("wraparound", func(t *testing.T) {
		d, out, _ := newTestDepacketizer(t)

		require.NoError(t, d.Consume([]byte{0x41, 1}, 0xFFFFFFF0, 1, true))
		require.NoError(t, d.Consume([]byte{0x41, 2}, 0x10, 2, true))

		samples := out.Samples()
		require.Equal(t, int64(0), samples[0].TimeUs)
		require.Equal(t, int64(355), samples[1].TimeUs)
	})
}

func TestSeek(t *testing.T) {
	t.Run("offset", func(t *testing.T) {
		d, out, _ := newTestDepacketizer(t)

		require.NoError(t, d.Consume([]byte{0x41, 1}, 1000, 1, true))
		require.NoError(t, d.Consume([]byte{0x41, 2}, 2000, 2, false))

		d.Seek(777777, 5000000)
		require.NoError(t, d.Consume([]byte{0x65, 3}, 777777, 3, true))
		require.NoError(t, d.Consume([]byte{0x41, 4}, 777777+90000, 4, true))

		samples := out.Samples()
		require.Len(t, samples, 3)

		// Bytes written before the seek are not part of the sample.
		require.Equal(t, annexB([]byte{0x65, 3}), samples[1].Data)
		require.Equal(t, int64(5000000), samples[1].TimeUs)
		require.True(t, samples[1].Flags.IsKeyFrame())
		require.Equal(t, int64(6000000), samples[2].TimeUs)
	})
	t.Run("continuity kept", func(t *testing.T) {
		d, out, _ := newTestDepacketizer(t)

		require.NoError(t, d.Consume([]byte{0x5c, 0x81, 1}, 0, 100, false))
		d.Seek(0, 0)

		// The sequence number from before the seek is still used.
		require.NoError(t, d.Consume([]byte{0x5c, 0x41, 2}, 0, 101, true))
		require.Equal(t, uint64(0), d.Stats().DroppedFragments)
		require.Equal(t, []byte{2}, out.Samples()[0].Data)
	})
}

func TestConsumePacket(t *testing.T) {
	d, out, _ := newTestDepacketizer(t)

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    96,
			SequenceNumber: 17645,
			Timestamp:      2289527317,
			SSRC:           0x9dbb7812,
		},
		Payload: []byte{0x65, 0x88, 0x84},
	}
	require.NoError(t, d.ConsumePacket(pkt))

	samples := out.Samples()
	require.Len(t, samples, 1)
	require.Equal(t, annexB([]byte{0x65, 0x88, 0x84}), samples[0].Data)

	stats := d.Stats()
	require.Equal(t, Stats{
		Packets:   1,
		Samples:   1,
		KeyFrames: 1,
		Bytes:     7,
	}, stats)
}
