package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"math/bits"
)

// Twilio media streams carry 8 kHz mono G.711 μ-law
const (
	TelephonySampleRate = 8000
	// TelephonyFrameSize is 20ms of μ-law audio at 8 kHz
	TelephonyFrameSize = 160
)

var ErrOddPCMLength = errors.New("PCM16 data length must be even")

// DecodePCM16 turns little-endian 16-bit PCM into samples
func DecodePCM16(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddPCMLength
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// PCM16ToMulaw converts 16-bit PCM at inRate to μ-law at outRate
func PCM16ToMulaw(pcm []byte, inRate, outRate int) ([]byte, error) {
	samples, err := DecodePCM16(pcm)
	if err != nil {
		return nil, err
	}
	samples = Resample(samples, inRate, outRate)

	ulaw := make([]byte, len(samples))
	for i, s := range samples {
		ulaw[i] = linearToMulaw(s)
	}
	return ulaw, nil
}

// MulawToSamples decodes μ-law bytes into linear samples
func MulawToSamples(ulaw []byte) []int16 {
	samples := make([]int16, len(ulaw))
	for i, b := range ulaw {
		samples[i] = mulawToLinear(b)
	}
	return samples
}

// Resample converts samples between rates with linear interpolation
func Resample(samples []int16, inRate, outRate int) []int16 {
	if inRate == outRate || inRate <= 0 || outRate <= 0 || len(samples) == 0 {
		return samples
	}

	outLen := len(samples) * outRate / inRate
	out := make([]int16, outLen)
	step := float64(inRate) / float64(outRate)
	last := len(samples) - 1

	for i := range out {
		pos := float64(i) * step
		i0 := int(pos)
		i1 := min(i0+1, last)
		frac := pos - float64(i0)
		out[i] = int16(float64(samples[i0])*(1-frac) + float64(samples[i1])*frac)
	}
	return out
}

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// linearToMulaw encodes one sample with G.711 μ-law
func linearToMulaw(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	// exponent is the position of the highest set bit above bit 7
	exponent := byte(bits.Len32(uint32(s)) - 8)
	mantissa := byte(s>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// mulawToLinear decodes one G.711 μ-law byte
func mulawToLinear(b byte) int16 {
	b = ^b
	exponent := (b >> 4) & 0x07
	mantissa := int32(b & 0x0F)
	magnitude := ((mantissa << 3) + mulawBias) << exponent
	magnitude -= mulawBias
	if b&0x80 != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// CalculateRMS returns the root mean square level of samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
