package h264

import "fmt"

// NALUType is the type of a NALU.
type NALUType uint8

// NALU types.
const (
	NALUTypeNonIDR                        NALUType = 1
	NALUTypeDataPartitionA                NALUType = 2
	NALUTypeDataPartitionB                NALUType = 3
	NALUTypeDataPartitionC                NALUType = 4
	NALUTypeIDR                           NALUType = 5
	NALUTypeSEI                           NALUType = 6
	NALUTypeSPS                           NALUType = 7
	NALUTypePPS                           NALUType = 8
	NALUTypeAccessUnitDelimiter           NALUType = 9
	NALUTypeEndOfSequence                 NALUType = 10
	NALUTypeEndOfStream                   NALUType = 11
	NALUTypeFillerData                    NALUType = 12
	NALUTypeSPSExtension                  NALUType = 13
	NALUTypePrefix                        NALUType = 14
	NALUTypeSubsetSPS                     NALUType = 15
	NALUTypeSliceLayerWithoutPartitioning NALUType = 19
	NALUTypeSliceExtension                NALUType = 20
	NALUTypeSliceExtensionDepth           NALUType = 21

	// RTP payload types, RFC 6184.
	NALUTypeSTAPA  NALUType = 24
	NALUTypeSTAPB  NALUType = 25
	NALUTypeMTAP16 NALUType = 26
	NALUTypeMTAP24 NALUType = 27
	NALUTypeFUA    NALUType = 28
	NALUTypeFUB    NALUType = 29
)

var naluTypeLabels = map[NALUType]string{
	NALUTypeNonIDR:                        "NonIDR",
	NALUTypeDataPartitionA:                "DataPartitionA",
	NALUTypeDataPartitionB:                "DataPartitionB",
	NALUTypeDataPartitionC:                "DataPartitionC",
	NALUTypeIDR:                           "IDR",
	NALUTypeSEI:                           "SEI",
	NALUTypeSPS:                           "SPS",
	NALUTypePPS:                           "PPS",
	NALUTypeAccessUnitDelimiter:           "AccessUnitDelimiter",
	NALUTypeEndOfSequence:                 "EndOfSequence",
	NALUTypeEndOfStream:                   "EndOfStream",
	NALUTypeFillerData:                    "FillerData",
	NALUTypeSPSExtension:                  "SPSExtension",
	NALUTypePrefix:                        "Prefix",
	NALUTypeSubsetSPS:                     "SubsetSPS",
	NALUTypeSliceLayerWithoutPartitioning: "SliceLayerWithoutPartitioning",
	NALUTypeSliceExtension:                "SliceExtension",
	NALUTypeSliceExtensionDepth:           "SliceExtensionDepth",
	NALUTypeSTAPA:                         "STAP-A",
	NALUTypeSTAPB:                         "STAP-B",
	NALUTypeMTAP16:                        "MTAP-16",
	NALUTypeMTAP24:                        "MTAP-24",
	NALUTypeFUA:                           "FU-A",
	NALUTypeFUB:                           "FU-B",
}

// String implements fmt.Stringer.
func (nt NALUType) String() string {
	if l, ok := naluTypeLabels[nt]; ok {
		return l
	}
	return fmt.Sprintf("unknown (%d)", nt)
}

// TypeOf returns the type of a NALU from its header byte.
func TypeOf(header byte) NALUType {
	return NALUType(header & 0x1F)
}
