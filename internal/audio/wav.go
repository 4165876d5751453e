package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE header written by this package.
const WAVHeaderSize = 44

// DefaultSampleRate is used when callers pass a non-positive rate.
const DefaultSampleRate = 44100

// RecorderGain scales float capture samples before PCM16 quantization. The fallback
// sampler records at half scale so clipped microphones stay below full-scale.
const RecorderGain = 0.5

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(WAVHeaderSize + len(pcm))
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeWAVFloat32 converts mono float samples in [-1, 1] to a 16-bit PCM WAV payload.
// The result is always WAVHeaderSize + 2*len(samples) bytes.
func EncodeWAVFloat32(samples []float32, sampleRate int) ([]byte, error) {
	return EncodeWAVPCM16LE(Float32ToPCM16LE(samples, RecorderGain), sampleRate)
}

// Float32ToPCM16LE clamps each sample to [-1, 1], applies gain and quantizes it to
// little-endian signed 16-bit PCM. NaN samples become silence.
func Float32ToPCM16LE(samples []float32, gain float64) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		v := float64(s)
		if math.IsNaN(v) {
			v = 0
		} else if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v*gain*32767)))
	}
	return out
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	fmtChunk := []any{
		uint32(16),
		uint16(audioFormat),
		uint16(numChannels),
		uint32(sampleRate),
		byteRate,
		blockAlign,
		uint16(bitsPerSample),
	}
	for _, field := range fmtChunk {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return err
		}
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// RMSLevel returns the root-mean-square level of a sample block, clamped to [0, 1].
func RMSLevel(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	level := math.Sqrt(sum / float64(len(samples)))
	if level > 1 {
		return 1
	}
	return level
}

// DecodeFloat32LE decodes little-endian IEEE-754 float32 samples. A trailing partial
// sample is returned as the remainder so callers can prepend it to the next read.
func DecodeFloat32LE(raw []byte) (samples []float32, rest []byte) {
	n := len(raw) / 4
	samples = make([]float32, n)
	for i := 0; i < n; i++ {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return samples, raw[4*n:]
}
