package storage

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"balungpisah/pkg/domain"
)

type fakeObjects struct {
	presigned []string
	types     map[string]string
}

func (f *fakeObjects) Put(context.Context, string, io.Reader, int64, string) error { return nil }

func (f *fakeObjects) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	f.presigned = append(f.presigned, key)
	return "https://objects.local/" + key + "?ttl=" + expiry.String(), nil
}

func (f *fakeObjects) Stat(_ context.Context, key string) (ObjectInfo, error) {
	ct, ok := f.types[key]
	if !ok {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return ObjectInfo{Key: key, ContentType: ct}, nil
}

func TestResolvePresignsIDOnlyFiles(t *testing.T) {
	objects := &fakeObjects{types: map[string]string{"uploads/pothole.jpg": "image/jpeg"}}
	r := NewFileResolver(objects, time.Minute)

	f, err := r.Resolve(context.Background(), domain.File{ID: "uploads/pothole.jpg"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if f.URL != "https://objects.local/uploads/pothole.jpg?ttl=1m0s" || f.ContentType != "image/jpeg" {
		t.Fatalf("unexpected file %+v", f)
	}

	f, err = r.Resolve(context.Background(), domain.File{URL: "https://cdn.local/a.png"})
	if err != nil || f.URL != "https://cdn.local/a.png" {
		t.Fatalf("expected url passthrough, got %+v %v", f, err)
	}
	if len(objects.presigned) != 1 {
		t.Fatalf("expected one presign call, got %d", len(objects.presigned))
	}
}

func TestResolveErrors(t *testing.T) {
	r := NewFileResolver(&fakeObjects{}, 0)
	if _, err := r.Resolve(context.Background(), domain.File{}); !errors.Is(err, ErrUnresolvableFile) {
		t.Fatalf("expected ErrUnresolvableFile, got %v", err)
	}
	if _, err := r.Resolve(context.Background(), domain.File{ID: "missing"}); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestResolvePartsSkipsText(t *testing.T) {
	r := NewFileResolver(nil, 0)
	parts := []domain.ContentPart{
		{Type: domain.ContentText, Text: "jalan rusak"},
		{Type: domain.ContentFile, File: &domain.File{ID: "uploads/x.jpg"}},
	}
	out, err := r.ResolveParts(context.Background(), parts)
	if err != nil {
		t.Fatalf("resolve parts: %v", err)
	}
	if out[0].Text != "jalan rusak" || out[1].File.ID != "uploads/x.jpg" || out[1].File.URL != "" {
		t.Fatalf("unexpected parts %+v", out)
	}
}
