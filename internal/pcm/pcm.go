// Package pcm converts between float samples and 16-bit little-endian PCM and
// measures signal level.
package pcm

import (
	"encoding/binary"
	"math"
	"time"
)

// FromFloat clamps s to [-1, 1] and scales it to int16, using 0x8000 for
// negative samples and 0x7FFF for positive ones.
func FromFloat(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// Encode converts float samples to PCM16 LE bytes.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FromFloat(s)))
	}
	return out
}

// Decode reads PCM16 LE bytes. A trailing odd byte is ignored.
func Decode(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// Float converts PCM16 LE bytes back to floats in [-1, 1].
func Float(data []byte) []float32 {
	samples := Decode(data)
	out := make([]float32, len(samples))
	for i, s := range samples {
		if s < 0 {
			out[i] = float32(s) / 0x8000
		} else {
			out[i] = float32(s) / 0x7FFF
		}
	}
	return out
}

// RMS returns the root mean square amplitude of samples.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Level maps the mean absolute amplitude of samples onto 0-255.
func Level(samples []int16) int {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	level := int(sum / float64(len(samples)) / 0x8000 * 255)
	if level > 255 {
		level = 255
	}
	return level
}

// Duration is the play time of n bytes of mono PCM16 at sampleRate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Samples is the number of mono samples covering d at sampleRate.
func Samples(d time.Duration, sampleRate int) int {
	return int(d * time.Duration(sampleRate) / time.Second)
}

// Clip is a block of mono PCM16 LE audio.
type Clip struct {
	PCM        []byte
	SampleRate int
}

func (c Clip) Duration() time.Duration {
	return Duration(len(c.PCM), c.SampleRate)
}
