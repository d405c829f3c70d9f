package audio

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/yoockh/callguard/internal/models"
)

var ErrPCMDecode = errors.New("pcm payload is not 16-bit little endian")

// SpeechConfidence is the minimum VAD confidence for a chunk to become a segment.
const SpeechConfidence = 0.5

// Detector classifies PCM chunks by short-time energy and zero-crossing rate.
// It keeps no state between chunks.
type Detector struct {
	EnergyThreshold float64
	ZCRThreshold    float64
}

// DecodePCM16 converts 16-bit LE PCM to samples in [-1, 1].
func DecodePCM16(pcm []byte) ([]float64, error) {
	if len(pcm) < 2 || len(pcm)%2 != 0 {
		return nil, ErrPCMDecode
	}
	out := make([]float64, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float64(s) / 32768.0
	}
	return out, nil
}

// Energy is the mean of squared samples.
func Energy(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return sum / float64(len(samples))
}

// ZeroCrossingRate is the fraction of adjacent sample pairs whose signs differ.
func ZeroCrossingRate(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i] >= 0) != (samples[i-1] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}

// Detect never fails: undecodable input is reported as silence with zero confidence.
func (d Detector) Detect(pcm []byte) models.VADResult {
	samples, err := DecodePCM16(pcm)
	if err != nil || d.EnergyThreshold <= 0 || d.ZCRThreshold <= 0 {
		return models.VADResult{}
	}
	energy := Energy(samples)
	zcr := ZeroCrossingRate(samples)
	return models.VADResult{
		IsSpeech:   energy > d.EnergyThreshold && zcr > d.ZCRThreshold,
		Confidence: math.Min((energy/d.EnergyThreshold)*(zcr/d.ZCRThreshold), 1.0),
		Energy:     energy,
		ZCR:        zcr,
	}
}
