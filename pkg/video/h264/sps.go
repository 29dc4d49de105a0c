package h264

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/icza/bitio"
)

func readGolombUnsigned(br *bitio.Reader) (uint32, error) {
	leadingZeroBits := uint32(0)

	for {
		b, err := br.ReadBits(1)
		if err != nil {
			return 0, err
		}
		if b != 0 {
			break
		}

		leadingZeroBits++
		if leadingZeroBits > 31 {
			return 0, ErrSPSGolombTooLong
		}
	}

	codeNum := uint32(0)
	for n := leadingZeroBits; n > 0; n-- {
		b, err := br.ReadBits(1)
		if err != nil {
			return 0, err
		}
		codeNum |= uint32(b) << (n - 1)
	}

	return (1 << leadingZeroBits) - 1 + codeNum, nil
}

func readGolombSigned(br *bitio.Reader) (int32, error) {
	v, err := readGolombUnsigned(br)
	if err != nil {
		return 0, err
	}
	vi := int32(v)

	if (vi & 0x01) != 0 {
		return (vi + 1) / 2, nil
	}
	return -vi / 2, nil
}

func skipScalingList(br *bitio.Reader, size int) error {
	lastScale := int32(8)
	nextScale := int32(8)

	for j := 0; j < size; j++ {
		if nextScale != 0 {
			deltaScale, err := readGolombSigned(br)
			if err != nil {
				return err
			}
			nextScale = (lastScale + deltaScale + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}

// SPSFrameCropping is the frame cropping part of a SPS.
type SPSFrameCropping struct {
	LeftOffset   uint32
	RightOffset  uint32
	TopOffset    uint32
	BottomOffset uint32
}

// SPS is the subset of a H264 sequence parameter set that is
// needed to describe a track.
type SPS struct {
	ProfileIdc       uint8
	ConstraintFlags  uint8
	LevelIdc         uint8
	ID               uint32
	ChromaFormatIdc  uint32
	PicOrderCntType  uint32
	MaxNumRefFrames  uint32
	PicWidthInMbs    uint32
	PicHeightInMbs   uint32
	FrameMbsOnlyFlag bool
	FrameCropping    *SPSFrameCropping
}

// SPS errors.
var (
	ErrSPSBufferTooShort    = errors.New("buffer too short")
	ErrSPSWrongForbiddenBit = errors.New("wrong forbidden bit")
	ErrSPSWrongType         = errors.New("not a SPS")
	ErrSPSGolombTooLong     = errors.New("exp-golomb code is too long")
	ErrSPSInvalidPOCType    = errors.New("invalid pic_order_cnt_type")
)

// Unmarshal decodes a SPS from bytes.
func (s *SPS) Unmarshal(buf []byte) error { //nolint:funlen
	// ref: ISO/IEC 14496-10:2020

	buf = EmulationPreventionRemove(buf)

	if len(buf) < 4 {
		return ErrSPSBufferTooShort
	}
	if buf[0]>>7 != 0 {
		return ErrSPSWrongForbiddenBit
	}
	if typ := TypeOf(buf[0]); typ != NALUTypeSPS {
		return fmt.Errorf("%w (%v)", ErrSPSWrongType, typ)
	}

	*s = SPS{
		ProfileIdc:      buf[1],
		ConstraintFlags: buf[2],
		LevelIdc:        buf[3],
		ChromaFormatIdc: 1,
	}

	br := bitio.NewReader(bytes.NewReader(buf[4:]))

	var err error
	if s.ID, err = readGolombUnsigned(br); err != nil {
		return err
	}

	switch s.ProfileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		if err := s.unmarshalHighProfile(br); err != nil {
			return err
		}
	}

	// log2_max_frame_num_minus4
	if _, err := readGolombUnsigned(br); err != nil {
		return err
	}

	if s.PicOrderCntType, err = readGolombUnsigned(br); err != nil {
		return err
	}
	if err := s.skipPicOrderCnt(br); err != nil {
		return err
	}

	if s.MaxNumRefFrames, err = readGolombUnsigned(br); err != nil {
		return err
	}

	// gaps_in_frame_num_value_allowed_flag
	if _, err := br.ReadBool(); err != nil {
		return err
	}

	widthMinus1, err := readGolombUnsigned(br)
	if err != nil {
		return err
	}
	s.PicWidthInMbs = widthMinus1 + 1

	heightMinus1, err := readGolombUnsigned(br)
	if err != nil {
		return err
	}
	s.PicHeightInMbs = heightMinus1 + 1

	if s.FrameMbsOnlyFlag, err = br.ReadBool(); err != nil {
		return err
	}
	if !s.FrameMbsOnlyFlag {
		// mb_adaptive_frame_field_flag
		if _, err := br.ReadBool(); err != nil {
			return err
		}
	}

	// direct_8x8_inference_flag
	if _, err := br.ReadBool(); err != nil {
		return err
	}

	frameCroppingFlag, err := br.ReadBool()
	if err != nil {
		return err
	}
	if frameCroppingFlag {
		var c SPSFrameCropping
		for _, v := range []*uint32{&c.LeftOffset, &c.RightOffset, &c.TopOffset, &c.BottomOffset} {
			if *v, err = readGolombUnsigned(br); err != nil {
				return err
			}
		}
		s.FrameCropping = &c
	}

	// VUI is not needed.
	return nil
}

func (s *SPS) unmarshalHighProfile(br *bitio.Reader) error {
	var err error
	if s.ChromaFormatIdc, err = readGolombUnsigned(br); err != nil {
		return err
	}
	if s.ChromaFormatIdc == 3 {
		// separate_colour_plane_flag
		if _, err := br.ReadBool(); err != nil {
			return err
		}
	}

	// bit_depth_luma_minus8, bit_depth_chroma_minus8
	for i := 0; i < 2; i++ {
		if _, err := readGolombUnsigned(br); err != nil {
			return err
		}
	}

	// qpprime_y_zero_transform_bypass_flag
	if _, err := br.ReadBool(); err != nil {
		return err
	}

	seqScalingMatrixPresent, err := br.ReadBool()
	if err != nil {
		return err
	}
	if !seqScalingMatrixPresent {
		return nil
	}

	lists := 8
	if s.ChromaFormatIdc == 3 {
		lists = 12
	}
	for i := 0; i < lists; i++ {
		present, err := br.ReadBool()
		if err != nil {
			return err
		}
		if !present {
			continue
		}

		size := 16
		if i >= 6 {
			size = 64
		}
		if err := skipScalingList(br, size); err != nil {
			return err
		}
	}
	return nil
}

func (s *SPS) skipPicOrderCnt(br *bitio.Reader) error {
	switch s.PicOrderCntType {
	case 0:
		// log2_max_pic_order_cnt_lsb_minus4
		_, err := readGolombUnsigned(br)
		return err

	case 1:
		// delta_pic_order_always_zero_flag
		if _, err := br.ReadBool(); err != nil {
			return err
		}
		// offset_for_non_ref_pic, offset_for_top_to_bottom_field
		for i := 0; i < 2; i++ {
			if _, err := readGolombSigned(br); err != nil {
				return err
			}
		}
		n, err := readGolombUnsigned(br)
		if err != nil {
			return err
		}
		for i := uint32(0); i < n; i++ {
			if _, err := readGolombSigned(br); err != nil {
				return err
			}
		}
		return nil

	case 2:
		return nil
	}

	return fmt.Errorf("%w (%d)", ErrSPSInvalidPOCType, s.PicOrderCntType)
}

// Width returns the video width.
func (s SPS) Width() int {
	w := s.PicWidthInMbs * 16
	if s.FrameCropping != nil {
		w -= (s.FrameCropping.LeftOffset + s.FrameCropping.RightOffset) * 2
	}
	return int(w)
}

// Height returns the video height.
func (s SPS) Height() int {
	f := uint32(2)
	if s.FrameMbsOnlyFlag {
		f = 1
	}

	h := f * s.PicHeightInMbs * 16
	if s.FrameCropping != nil {
		h -= (s.FrameCropping.TopOffset + s.FrameCropping.BottomOffset) * 2 * f
	}
	return int(h)
}
