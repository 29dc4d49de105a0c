package track

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"rtprec/pkg/video/h264"

	psdp "github.com/pion/sdp/v3"
)

// SDP errors.
var (
	ErrSDPNoH264Media         = errors.New("no H264 media found")
	ErrSDPfmtpInvalid         = errors.New("invalid fmtp attribute")
	ErrSDPspropInvalid        = errors.New("invalid sprop-parameter-sets")
	ErrSDPPacketizationMode   = errors.New("unsupported packetization-mode")
	ErrSDPPayloadTypeNotFound = errors.New("payload type not found")
)

// FormatFromSDP returns the format of the H264 media in a session
// description. If payloadType is zero, the first H264 media is used.
func FormatFromSDP(byts []byte, payloadType uint8) (Format, error) {
	var sd psdp.SessionDescription
	if err := sd.Unmarshal(byts); err != nil {
		return Format{}, fmt.Errorf("unmarshal sdp: %w", err)
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}

		for _, f := range md.MediaName.Formats {
			tmp, err := strconv.ParseUint(f, 10, 8)
			if err != nil {
				continue
			}
			pt := uint8(tmp)

			if payloadType != 0 && pt != payloadType {
				continue
			}

			codec, clockRate := rtpmap(md.Attributes, pt)
			if !strings.EqualFold(codec, "H264") {
				continue
			}

			format := Format{
				MimeType:    MimeTypeH264,
				PayloadType: pt,
				ClockRate:   clockRate,
			}
			if err := format.fillFromFmtp(fmtp(md.Attributes, pt)); err != nil {
				return Format{}, err
			}
			return format, nil
		}
	}

	if payloadType != 0 {
		return Format{}, fmt.Errorf("%w (%d)", ErrSDPPayloadTypeNotFound, payloadType)
	}
	return Format{}, ErrSDPNoH264Media
}

func rtpmap(attributes []psdp.Attribute, payloadType uint8) (string, int) {
	for _, attr := range attributes {
		if attr.Key != "rtpmap" {
			continue
		}

		parts := strings.SplitN(strings.TrimSpace(attr.Value), " ", 2)
		if len(parts) != 2 {
			continue
		}
		if tmp, err := strconv.ParseUint(parts[0], 10, 8); err != nil || uint8(tmp) != payloadType {
			continue
		}

		codecAndClock := strings.Split(parts[1], "/")
		if len(codecAndClock) < 2 {
			return codecAndClock[0], 0
		}
		clockRate, _ := strconv.Atoi(codecAndClock[1])
		return codecAndClock[0], clockRate
	}
	return "", 0
}

func fmtp(attributes []psdp.Attribute, payloadType uint8) string {
	prefix := strconv.FormatUint(uint64(payloadType), 10) + " "
	for _, attr := range attributes {
		if attr.Key == "fmtp" && strings.HasPrefix(attr.Value, prefix) {
			return attr.Value
		}
	}
	return ""
}

// fillFromFmtp reads the format parameters. SPS and PPS may be
// missing from the fmtp, in which case they are sent in-band.
func (f *Format) fillFromFmtp(v string) error {
	if v == "" {
		return nil
	}

	tmp := strings.SplitN(v, " ", 2)
	if len(tmp) != 2 {
		return fmt.Errorf("%w (%v)", ErrSDPfmtpInvalid, v)
	}

	for _, kv := range strings.Split(tmp[1], ";") {
		kv = strings.Trim(kv, " ")
		if len(kv) == 0 {
			continue
		}

		tmp := strings.SplitN(kv, "=", 2)
		if len(tmp) != 2 {
			return fmt.Errorf("%w (%v)", ErrSDPfmtpInvalid, v)
		}

		switch strings.ToLower(tmp[0]) {
		case "packetization-mode":
			if tmp[1] == "2" {
				return fmt.Errorf("%w (%v)", ErrSDPPacketizationMode, tmp[1])
			}

		case "profile-level-id":
			f.ProfileLevelID = strings.ToUpper(tmp[1])

		case "sprop-parameter-sets":
			if err := f.fillParameterSets(tmp[1]); err != nil {
				return fmt.Errorf("%w (%v)", err, v)
			}
		}
	}
	return nil
}

func (f *Format) fillParameterSets(v string) error {
	for _, s := range strings.Split(v, ",") {
		nalu, err := base64.StdEncoding.DecodeString(s)
		if err != nil || len(nalu) == 0 {
			return ErrSDPspropInvalid
		}

		switch h264.TypeOf(nalu[0]) {
		case h264.NALUTypeSPS:
			f.SPS = nalu
			var sps h264.SPS
			if err := sps.Unmarshal(nalu); err == nil {
				f.Width = sps.Width()
				f.Height = sps.Height()
			}

		case h264.NALUTypePPS:
			f.PPS = nalu
		}
	}
	return nil
}

// MediaDescription returns the format as a SDP media description.
func (f Format) MediaDescription() *psdp.MediaDescription {
	typ := strconv.FormatInt(int64(f.PayloadType), 10)

	fmtp := typ + " packetization-mode=1"

	var tmp []string
	if f.SPS != nil {
		tmp = append(tmp, base64.StdEncoding.EncodeToString(f.SPS))
	}
	if f.PPS != nil {
		tmp = append(tmp, base64.StdEncoding.EncodeToString(f.PPS))
	}
	if tmp != nil {
		fmtp += "; sprop-parameter-sets=" + strings.Join(tmp, ",")
	}

	switch {
	case f.ProfileLevelID != "":
		fmtp += "; profile-level-id=" + f.ProfileLevelID
	case len(f.SPS) >= 4:
		fmtp += "; profile-level-id=" + strings.ToUpper(hex.EncodeToString(f.SPS[1:4]))
	}

	return &psdp.MediaDescription{
		MediaName: psdp.MediaName{
			Media:   "video",
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{typ},
		},
		Attributes: []psdp.Attribute{
			{
				Key:   "rtpmap",
				Value: typ + " H264/" + strconv.Itoa(f.ClockRate),
			},
			{
				Key:   "fmtp",
				Value: fmtp,
			},
		},
	}
}

// SessionDescription returns a marshaled session description
// with the format as its only media.
func (f Format) SessionDescription() ([]byte, error) {
	sd := psdp.SessionDescription{
		Origin: psdp.Origin{
			Username:       "-",
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName: "Stream",
		TimeDescriptions: []psdp.TimeDescription{
			{Timing: psdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*psdp.MediaDescription{f.MediaDescription()},
	}
	return sd.Marshal()
}
