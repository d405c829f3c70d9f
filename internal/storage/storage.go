package storage

import (
	"context"
	"fmt"
	"io"
)

// Uploader stores an object and returns its URI.
type Uploader interface {
	Upload(ctx context.Context, objectName string, contentType string, r io.Reader) (storedPath string, err error)
}

// SegmentObjectName lays segments out by call so one call's audio can be
// listed or deleted with a single prefix.
func SegmentObjectName(callID, sessionID string, seq int64) string {
	return fmt.Sprintf("calls/%s/%s/%08d.wav", callID, sessionID, seq)
}
