package input

// NAL unit type constants, grounded on video_params.go.
const (
	h264NALTypeSPS = 7
	h264NALTypePPS = 8
	h264NALTypeAUD = 9
	h264NALTypeSEI = 6

	h265NALTypeVPS       = 32
	h265NALTypeSPS       = 33
	h265NALTypePPS       = 34
	h265NALTypeAUD       = 35
	h265NALTypePrefixSEI = 39
	h265NALTypeSuffixSEI = 40
)

// reorderNALUnits moves parameter sets (and the optional access unit
// delimiter) ahead of SEI messages within an access unit. Some cameras
// emit SEI before SPS/PPS/VPS, but SEI payloads may reference the
// parameter sets, so downstream consumers expect them first.
func reorderNALUnits(nalus [][]byte, isH265 bool) [][]byte {
	if len(nalus) <= 1 {
		return nalus
	}

	var paramSets, audNALs, seiNALs, rest [][]byte

	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}

		if isH265 {
			naluType := (nalu[0] >> 1) & 0x3F
			switch naluType {
			case h265NALTypeVPS, h265NALTypeSPS, h265NALTypePPS:
				paramSets = append(paramSets, nalu)
			case h265NALTypeAUD:
				audNALs = append(audNALs, nalu)
			case h265NALTypePrefixSEI, h265NALTypeSuffixSEI:
				seiNALs = append(seiNALs, nalu)
			default:
				rest = append(rest, nalu)
			}
			continue
		}

		naluType := nalu[0] & 0x1F
		switch naluType {
		case h264NALTypeSPS, h264NALTypePPS:
			paramSets = append(paramSets, nalu)
		case h264NALTypeAUD:
			audNALs = append(audNALs, nalu)
		case h264NALTypeSEI:
			seiNALs = append(seiNALs, nalu)
		default:
			rest = append(rest, nalu)
		}
	}

	out := make([][]byte, 0, len(nalus))
	out = append(out, audNALs...)
	out = append(out, paramSets...)
	out = append(out, seiNALs...)
	out = append(out, rest...)
	return out
}
