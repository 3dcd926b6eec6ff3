package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

type memoryObject struct {
	bucket, object, contentType string
	buf                         bytes.Buffer
	closeErr                    error
	committed                   bool
}

func (o *memoryObject) Write(p []byte) (int, error) { return o.buf.Write(p) }

func (o *memoryObject) Close() error {
	if o.closeErr != nil {
		return o.closeErr
	}
	o.committed = true
	return nil
}

func TestArchiveWritesDatedObject(t *testing.T) {
	var written *memoryObject
	w, err := NewArchiveWriter(nil, "callbacks-bucket", "/liqpay/callbacks/",
		withOpener(func(_ context.Context, bucket, object, contentType string) io.WriteCloser {
			written = &memoryObject{bucket: bucket, object: object, contentType: contentType}
			return written
		}),
		WithArchiveClock(func() time.Time { return time.Date(2026, time.March, 1, 23, 59, 0, 0, time.UTC) }),
		WithArchiveIDs(func() string { return "01JNQ0000000000000000000AA" }),
	)
	if err != nil {
		t.Fatalf("NewArchiveWriter: %v", err)
	}

	name, err := w.Archive(context.Background(), "PAY-20260301-AB12", []byte(`{"data":"x"}`))
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	want := "liqpay/callbacks/2026/03/01/PAY-20260301-AB12-01JNQ0000000000000000000AA.json"
	if name != want || written.object != want {
		t.Fatalf("unexpected object %q", name)
	}
	if written.bucket != "callbacks-bucket" || written.contentType != "application/json" || !written.committed {
		t.Fatalf("unexpected write %+v", written)
	}
	if written.buf.String() != `{"data":"x"}` {
		t.Fatalf("unexpected payload %q", written.buf.String())
	}
}

func TestArchiveSanitisesKeyAndReportsCommitFailure(t *testing.T) {
	obj := &memoryObject{closeErr: errors.New("precondition failed")}
	w, err := NewArchiveWriter(nil, "b", "",
		withOpener(func(_ context.Context, _, object, _ string) io.WriteCloser {
			obj.object = object
			return obj
		}),
		WithArchiveClock(func() time.Time { return time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC) }),
		WithArchiveIDs(func() string { return "ID" }),
	)
	if err != nil {
		t.Fatalf("NewArchiveWriter: %v", err)
	}
	if _, err := w.Archive(context.Background(), "../../etc passwd", []byte("{}")); err == nil {
		t.Fatal("expected commit error")
	}
	if obj.object != "2026/01/02/.._.._etc_passwd-ID.json" {
		t.Fatalf("unexpected object name %q", obj.object)
	}
}

func TestNewArchiveWriterRequiresBucketAndClient(t *testing.T) {
	if _, err := NewArchiveWriter(nil, "", "p"); err == nil {
		t.Fatal("expected bucket error")
	}
	if _, err := NewArchiveWriter(nil, "b", "p"); err == nil {
		t.Fatal("expected client error")
	}
}
