package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"balungpisah/pkg/domain"
)

const defaultPresignTTL = 15 * time.Minute

// ErrUnresolvableFile is returned for a file part with neither id nor url.
var ErrUnresolvableFile = errors.New("file part needs file id or url")

// FileResolver turns user file parts into domain.File references. Parts that
// already carry a URL pass through untouched; id-only parts are presigned.
type FileResolver struct {
	store ObjectStore
	ttl   time.Duration
}

// NewFileResolver builds a resolver. A nil store leaves id-only files without a URL.
func NewFileResolver(store ObjectStore, ttl time.Duration) *FileResolver {
	if ttl <= 0 {
		ttl = defaultPresignTTL
	}
	return &FileResolver{store: store, ttl: ttl}
}

// Resolve fills in URL and content type for f.
func (r *FileResolver) Resolve(ctx context.Context, f domain.File) (domain.File, error) {
	f.ID = strings.TrimSpace(f.ID)
	f.URL = strings.TrimSpace(f.URL)
	if f.URL != "" {
		return f, nil
	}
	if f.ID == "" {
		return f, ErrUnresolvableFile
	}
	if r == nil || r.store == nil {
		return f, nil
	}
	if f.ContentType == "" {
		info, err := r.store.Stat(ctx, f.ID)
		if err != nil {
			return f, fmt.Errorf("resolve file %s: %w", f.ID, err)
		}
		f.ContentType = info.ContentType
	}
	url, err := r.store.PresignGet(ctx, f.ID, r.ttl)
	if err != nil {
		return f, fmt.Errorf("resolve file %s: %w", f.ID, err)
	}
	f.URL = url
	return f, nil
}

// ResolveParts resolves every file part in place and returns the updated slice.
func (r *FileResolver) ResolveParts(ctx context.Context, parts []domain.ContentPart) ([]domain.ContentPart, error) {
	out := make([]domain.ContentPart, len(parts))
	copy(out, parts)
	for i, part := range out {
		if part.Type != domain.ContentFile || part.File == nil {
			continue
		}
		resolved, err := r.Resolve(ctx, *part.File)
		if err != nil {
			return nil, err
		}
		out[i].File = &resolved
	}
	return out, nil
}
