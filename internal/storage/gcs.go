package storage

import (
	"context"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/yoockh/callguard/internal/utils"
)

type GCSUploader struct {
	client *gcs.Client
	bucket string
}

func NewGCSUploader(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSUploader, error) {
	c, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, "storage.NewGCSUploader", "gcs client", err)
	}
	return &GCSUploader{client: c, bucket: bucket}, nil
}

func (u *GCSUploader) Close() error { return u.client.Close() }

// Upload writes r to the bucket. Call audio stays private; the returned
// gs:// URI is for internal consumers only.
func (u *GCSUploader) Upload(ctx context.Context, objectName string, contentType string, r io.Reader) (string, error) {
	const op = "GCSUploader.Upload"
	obj := u.client.Bucket(u.bucket).Object(objectName)

	w := obj.NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", utils.E(utils.CodeUnavailable, op, "write object", err)
	}
	if err := w.Close(); err != nil {
		return "", utils.E(utils.CodeUnavailable, op, "finalize object", err)
	}
	return fmt.Sprintf("gs://%s/%s", u.bucket, objectName), nil
}
