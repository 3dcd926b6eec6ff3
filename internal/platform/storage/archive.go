package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/oklog/ulid/v2"
)

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// objectOpener returns a writer for bucket/object. The object is committed on Close.
type objectOpener func(ctx context.Context, bucket, object, contentType string) io.WriteCloser

// ArchiveWriter stores raw payloads under {prefix}/YYYY/MM/DD/{key}-{ulid}.json.
type ArchiveWriter struct {
	bucket string
	prefix string
	open   objectOpener
	now    func() time.Time
	newID  func() string
}

type ArchiveOption func(*ArchiveWriter)

func WithArchiveClock(now func() time.Time) ArchiveOption {
	return func(w *ArchiveWriter) {
		if now != nil {
			w.now = now
		}
	}
}

func WithArchiveIDs(newID func() string) ArchiveOption {
	return func(w *ArchiveWriter) {
		if newID != nil {
			w.newID = newID
		}
	}
}

func withOpener(open objectOpener) ArchiveOption {
	return func(w *ArchiveWriter) { w.open = open }
}

// NewArchiveWriter writes through client into bucket.
func NewArchiveWriter(client *gcs.Client, bucket, prefix string, opts ...ArchiveOption) (*ArchiveWriter, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage archive: bucket is required")
	}
	w := &ArchiveWriter{
		bucket: bucket,
		prefix: strings.Trim(strings.TrimSpace(prefix), "/"),
		now:    time.Now,
		newID:  func() string { return ulid.Make().String() },
	}
	if client != nil {
		w.open = func(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
			writer := client.Bucket(bucket).Object(object).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
			writer.ContentType = contentType
			return writer
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.open == nil {
		return nil, errors.New("storage archive: client is required")
	}
	return w, nil
}

// Archive writes payload and returns the object name.
func (w *ArchiveWriter) Archive(ctx context.Context, key string, payload []byte) (string, error) {
	object := w.objectName(key)
	writer := w.open(ctx, w.bucket, object, "application/json")
	if _, err := writer.Write(payload); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("storage archive: write %s: %w", object, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("storage archive: commit %s: %w", object, err)
	}
	return object, nil
}

func (w *ArchiveWriter) objectName(key string) string {
	key = unsafeSegment.ReplaceAllString(strings.TrimSpace(key), "_")
	if key == "" {
		key = "unknown"
	}
	day := w.now().UTC().Format("2006/01/02")
	return path.Join(w.prefix, day, key+"-"+w.newID()+".json")
}
