package stt

import "context"

// Request describes one segment of raw 16-bit PCM.
type Request struct {
	Audio      []byte
	SampleRate int
	Channels   int
	Language   string
}

type Provider interface {
	Transcribe(ctx context.Context, req Request) (text string, confidence float64, err error)
	Close() error
}
