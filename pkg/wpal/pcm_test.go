package wpal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToFloat32(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		bits uint16
		data []byte
		want []float32
	}{
		{
			name: "16-bit",
			bits: 16,
			data: []byte{0x00, 0x80, 0x00, 0x00, 0x00, 0x40},
			want: []float32{-1, 0, 0.5},
		},
		{
			name: "24-bit",
			bits: 24,
			data: []byte{0x00, 0x00, 0x80, 0x00, 0x00, 0x40},
			want: []float32{-1, 0.5},
		},
		{
			name: "32-bit",
			bits: 32,
			data: []byte{0x00, 0x00, 0x00, 0x80, 0x00, 0x00, 0x00, 0xc0},
			want: []float32{-1, -0.5},
		},
		{
			name: "trailing partial sample is dropped",
			bits: 16,
			data: []byte{0x00, 0x40, 0x01},
			want: []float32{0.5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ToFloat32(tt.data, tt.bits)
			require.NoError(t, err)
			assert.InDeltaSlice(t, tt.want, got, 1e-6)
		})
	}
}

func TestToFloat32UnsupportedDepth(t *testing.T) {
	t.Parallel()

	_, err := ToFloat32([]byte{1, 2, 3}, 8)
	require.Error(t, err)
}

func TestPeak(t *testing.T) {
	t.Parallel()

	assert.Equal(t, float32(0), Peak(nil))
	assert.Equal(t, float32(0.75), Peak([]float32{0.25, -0.75, 0.5}))
}

func TestPutSample(t *testing.T) {
	t.Parallel()

	dst := make([]byte, 2)
	putSample(dst, 0.5)
	assert.InDelta(t, 0.5, Int16ToFloat32(dst)[0], 1e-3)

	putSample(dst, -1)
	assert.InDelta(t, -1, Int16ToFloat32(dst)[0], 1e-3)

	wide := make([]byte, 3)
	putSample(wide, -0.25)
	samples, err := ToFloat32(wide, 24)
	require.NoError(t, err)
	assert.InDelta(t, -0.25, samples[0], 1e-3)

	narrow := make([]byte, 1)
	putSample(narrow, 0)
	assert.Equal(t, byte(128), narrow[0])
}
