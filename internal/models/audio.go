package models

import "time"

// AudioChunk is one unit of inbound call audio.
type AudioChunk struct {
	CallID     string
	Seq        int64
	Payload    []byte // 16-bit LE PCM
	CapturedAt time.Time
	SampleRate int
	Channels   int
}

// VADResult is the voice activity verdict for one chunk.
type VADResult struct {
	IsSpeech   bool    `json:"isSpeech"`
	Confidence float64 `json:"confidence"`
	Energy     float64 `json:"energy"`
	ZCR        float64 `json:"zcr"`
}

// SpeechSegment is emitted for chunks classified as speech with enough confidence.
type SpeechSegment struct {
	CallID     string    `json:"callId"`
	Seq        int64     `json:"seq"`
	Audio      []byte    `json:"-"`
	VAD        VADResult `json:"vad"`
	SampleRate int       `json:"sampleRate"`
	Channels   int       `json:"channels"`
	DurationMs float64   `json:"durationMs"`
	SizeBytes  int       `json:"sizeBytes"`
	LatencyMs  float64   `json:"latencyMs"`
	DetectedAt time.Time `json:"detectedAt"`
}

// StreamStats is a point-in-time view of one audio stream.
type StreamStats struct {
	CallID           string    `json:"callId"`
	Active           bool      `json:"active"`
	ChunksProcessed  int64     `json:"chunksProcessed"`
	BytesProcessed   int64     `json:"bytesProcessed"`
	SegmentsEmitted  int64     `json:"segmentsEmitted"`
	BufferedChunks   int       `json:"bufferedChunks"`
	BufferCapacity   int       `json:"bufferCapacity"`
	AverageLatencyMs float64   `json:"averageLatencyMs"`
	StartedAt        time.Time `json:"startedAt"`
	LastActivityAt   time.Time `json:"lastActivityAt"`
}
