package track

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var testSPS = []byte{0x67, 0x42, 0xc0, 0x1f, 0xf4, 0x02, 0x80, 0x2d, 0xc8}

func TestBuffer(t *testing.T) {
	t.Run("working", func(t *testing.T) {
		b := NewBuffer()
		require.NoError(t, b.Format(Format{MimeType: MimeTypeH264}))
		require.ErrorIs(t, b.Format(Format{}), ErrFormatAlreadySet)

		require.NoError(t, b.SampleData([]byte{1, 2}))
		require.NoError(t, b.SampleData([]byte{3}))
		require.NoError(t, b.SampleMetadata(10, FlagKeyFrame, 3, 0))

		require.NoError(t, b.SampleData([]byte{4, 5}))
		require.NoError(t, b.SampleMetadata(20, 0, 2, 0))

		require.Equal(t, []Sample{
			{TimeUs: 10, Flags: FlagKeyFrame, Data: []byte{1, 2, 3}},
			{TimeUs: 20, Data: []byte{4, 5}},
		}, b.Samples())
		require.Empty(t, b.Pending())
		require.Equal(t, MimeTypeH264, b.TrackFormat().MimeType)
	})
	t.Run("smaller sample", func(t *testing.T) {
		b := NewBuffer()
		require.NoError(t, b.Format(Format{}))
		require.NoError(t, b.SampleData([]byte{1, 2, 3}))
		require.NoError(t, b.SampleMetadata(0, 0, 1, 0))
		require.Equal(t, []byte{3}, b.Samples()[0].Data)
	})
	t.Run("no format", func(t *testing.T) {
		b := NewBuffer()
		require.ErrorIs(t, b.SampleData([]byte{1}), ErrFormatNotSet)
	})
	t.Run("too big", func(t *testing.T) {
		b := NewBuffer()
		require.NoError(t, b.Format(Format{}))
		require.NoError(t, b.SampleData([]byte{1}))
		require.ErrorIs(t, b.SampleMetadata(0, 0, 2, 0), ErrSampleTooBig)
	})
}

func TestFlags(t *testing.T) {
	require.True(t, FlagKeyFrame.IsKeyFrame())
	require.False(t, Flags(0).IsKeyFrame())
}

const testSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=Stream\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"t=0 0\r\n" +
	"m=audio 0 RTP/AVP 97\r\n" +
	"a=rtpmap:97 MPEG4-GENERIC/44100/2\r\n" +
	"m=video 0 RTP/AVP 96 98\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=fmtp:96 packetization-mode=1; sprop-parameter-sets=Z0LAH/QCgC3I,aM48gA==; profile-level-id=42c01f\r\n" +
	"a=rtpmap:98 H264/90000\r\n" +
	"a=fmtp:98 packetization-mode=2\r\n" +
	"a=control:trackID=1\r\n"

func TestFormatFromSDP(t *testing.T) {
	t.Run("first", func(t *testing.T) {
		f, err := FormatFromSDP([]byte(testSDP), 0)
		require.NoError(t, err)
		require.Equal(t, Format{
			MimeType:       MimeTypeH264,
			PayloadType:    96,
			ClockRate:      90000,
			ProfileLevelID: "42C01F",
			SPS:            testSPS,
			PPS:            []byte{0x68, 0xce, 0x3c, 0x80},
			Width:          1280,
			Height:         720,
		}, f)
	})
	t.Run("interleaved", func(t *testing.T) {
		_, err := FormatFromSDP([]byte(testSDP), 98)
		require.ErrorIs(t, err, ErrSDPPacketizationMode)
	})
	t.Run("payload type not found", func(t *testing.T) {
		_, err := FormatFromSDP([]byte(testSDP), 100)
		require.ErrorIs(t, err, ErrSDPPayloadTypeNotFound)
	})
	t.Run("no h264", func(t *testing.T) {
		sdp := "v=0\r\n" +
			"o=- 0 0 IN IP4 127.0.0.1\r\n" +
			"s=Stream\r\n" +
			"t=0 0\r\n" +
			"m=video 0 RTP/AVP 96\r\n" +
			"a=rtpmap:96 VP8/90000\r\n"
		_, err := FormatFromSDP([]byte(sdp), 0)
		require.ErrorIs(t, err, ErrSDPNoH264Media)
	})
	t.Run("invalid sprop", func(t *testing.T) {
		sdp := "v=0\r\n" +
			"o=- 0 0 IN IP4 127.0.0.1\r\n" +
			"s=Stream\r\n" +
			"t=0 0\r\n" +
			"m=video 0 RTP/AVP 96\r\n" +
			"a=rtpmap:96 H264/90000\r\n" +
			"a=fmtp:96 sprop-parameter-sets=!!!\r\n"
		_, err := FormatFromSDP([]byte(sdp), 0)
		require.ErrorIs(t, err, ErrSDPspropInvalid)
	})
}

func TestSessionDescription(t *testing.T) {
	f := Format{
		MimeType:    MimeTypeH264,
		PayloadType: 96,
		ClockRate:   90000,
		SPS:         testSPS,
		PPS:         []byte{0x68, 0xce, 0x3c, 0x80},
	}

	md := f.MediaDescription()
	require.Equal(t, "96 packetization-mode=1; sprop-parameter-sets=Z0LAH/QCgC3I,aM48gA==; profile-level-id=42C01F",
		md.Attributes[1].Value)

	byts, err := f.SessionDescription()
	require.NoError(t, err)

	f2, err := FormatFromSDP(byts, 96)
	require.NoError(t, err)

	f.ProfileLevelID = "42C01F"
	f.Width = 1280
	f.Height = 720
	require.Equal(t, f, f2)
}
