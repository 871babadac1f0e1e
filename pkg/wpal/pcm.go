package wpal

import (
	"errors"
)

// ToFloat32 converts little-endian integer PCM of the given bit depth to samples in [-1, 1)
func ToFloat32(data []byte, bitsPerSample uint16) ([]float32, error) {
	switch bitsPerSample {
	case 16:
		return Int16ToFloat32(data), nil
	case 24:
		return int24ToFloat32(data), nil
	case 32:
		return int32ToFloat32(data), nil
	default:
		return nil, errors.New("unsupported audio bit depth")
	}
}

// Int16ToFloat32 converts 16-bit samples to float32 values
func Int16ToFloat32(data []byte) []float32 {
	length := len(data) / 2
	samples := make([]float32, length)
	divisor := float32(32768.0)

	for i := 0; i < length; i++ {
		sample := int16(data[i*2]) | int16(data[i*2+1])<<8
		samples[i] = float32(sample) / divisor
	}

	return samples
}

func int24ToFloat32(data []byte) []float32 {
	length := len(data) / 3
	samples := make([]float32, length)
	divisor := float32(8388608.0)

	for i := 0; i < length; i++ {
		sample := int32(data[i*3]) | int32(data[i*3+1])<<8 | int32(data[i*3+2])<<16
		if (sample & 0x00800000) > 0 {
			sample |= ^0x00FFFFFF // sign extension
		}
		samples[i] = float32(sample) / divisor
	}

	return samples
}

func int32ToFloat32(data []byte) []float32 {
	length := len(data) / 4
	samples := make([]float32, length)
	divisor := float32(2147483648.0)

	for i := 0; i < length; i++ {
		sample := int32(data[i*4]) | int32(data[i*4+1])<<8 | int32(data[i*4+2])<<16 | int32(data[i*4+3])<<24
		samples[i] = float32(sample) / divisor
	}

	return samples
}

// Peak returns the largest absolute sample value
func Peak(samples []float32) float32 {
	var peak float32

	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}

	return peak
}
