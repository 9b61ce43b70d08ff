package input

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReorderNALUnits_MovesParamSetsBeforeSEI(t *testing.T) {
	sei := []byte{byte(h264NALTypeSEI), 0x01}
	sps := []byte{byte(h264NALTypeSPS), 0x02}
	pps := []byte{byte(h264NALTypePPS), 0x03}
	idr := []byte{0x05, 0x04} // IDR slice

	out := reorderNALUnits([][]byte{sei, sei, sps, pps, idr}, false)

	require := assert.New(t)
	require.Equal(sps, out[0])
	require.Equal(pps, out[1])
	require.Equal(sei, out[2])
	require.Equal(sei, out[3])
	require.Equal(idr, out[4])
}

func TestReorderNALUnits_H265MovesVPSSPSPPS(t *testing.T) {
	sei := []byte{byte(h265NALTypePrefixSEI << 1), 0x01}
	vps := []byte{byte(h265NALTypeVPS << 1), 0x02}
	sps := []byte{byte(h265NALTypeSPS << 1), 0x03}
	pps := []byte{byte(h265NALTypePPS << 1), 0x04}

	out := reorderNALUnits([][]byte{sei, vps, sps, pps}, true)

	assert.Equal(t, vps, out[0])
	assert.Equal(t, sps, out[1])
	assert.Equal(t, pps, out[2])
	assert.Equal(t, sei, out[3])
}

func TestReorderNALUnits_ShortInputUnchanged(t *testing.T) {
	single := [][]byte{{0x05, 0x01}}
	out := reorderNALUnits(single, false)
	assert.Equal(t, single, out)
}

func TestSplitAnnexB_FourByteAndThreeByteStartCodes(t *testing.T) {
	data := []byte{0, 0, 0, 1, 0x67, 0xAA, 0, 0, 1, 0x68, 0xBB}
	nalus := splitAnnexB(data)

	if assert.Len(t, nalus, 2) {
		assert.Equal(t, []byte{0x67, 0xAA}, nalus[0])
		assert.Equal(t, []byte{0x68, 0xBB}, nalus[1])
	}
}

func TestSplitAnnexB_NoStartCodeReturnsNil(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	assert.Nil(t, splitAnnexB(data))
}
