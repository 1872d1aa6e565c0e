package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"mcranalyzer/internal/decoder"
)

const (
	// ImagePrefix is the key prefix of archived measurement images.
	ImagePrefix = "measurements/"
	// ImageContentType is the MIME type of archived images.
	ImageContentType = "image/x-portable-graymap"
)

// ImageKey returns the content-addressed key of a raw image.
func ImageKey(checksum string) string { return ImagePrefix + checksum + ".pgm" }

// ChecksumOf inverts ImageKey.
func ChecksumOf(key string) (string, bool) {
	sum, ok := strings.CutPrefix(key, ImagePrefix)
	if !ok {
		return "", false
	}
	sum, ok = strings.CutSuffix(sum, ".pgm")
	if !ok || sum == "" || strings.Contains(sum, "/") {
		return "", false
	}
	return sum, true
}

// Archive stores raw measurement images as binary PGM, keyed by checksum.
// A nil Archive, or one without a Store, silently skips archiving.
type Archive struct {
	store Store
}

// NewArchive wraps store. store may be nil.
func NewArchive(store Store) *Archive {
	return &Archive{store: store}
}

// Enabled reports whether images are actually stored.
func (a *Archive) Enabled() bool { return a != nil && a.store != nil }

// Store returns the underlying blob store, nil when disabled.
func (a *Archive) Store() Store {
	if a == nil {
		return nil
	}
	return a.store
}

// Save writes img under ImageKey(checksum) and returns the key. Saving an
// image that is already archived is a no-op; created reports whether this
// call wrote the blob.
func (a *Archive) Save(ctx context.Context, checksum string, img *decoder.Image, metadata map[string]string) (key string, created bool, err error) {
	if !a.Enabled() {
		return "", false, nil
	}
	var buf bytes.Buffer
	if err := img.EncodePGM(&buf); err != nil {
		return "", false, fmt.Errorf("encode image %s: %w", checksum, err)
	}
	key = ImageKey(checksum)
	_, err = a.store.Put(ctx, key, bytes.NewReader(buf.Bytes()), PutOptions{ContentType: ImageContentType, Metadata: metadata})
	switch {
	case errors.Is(err, ErrExists):
		return key, false, nil
	case err != nil:
		return "", false, fmt.Errorf("archive image %s: %w", key, err)
	}
	return key, true, nil
}

// List returns every archived image ordered by key. A disabled archive is
// empty.
func (a *Archive) List(ctx context.Context) ([]Info, error) {
	if !a.Enabled() {
		return nil, nil
	}
	infos, err := a.store.List(ctx, ImagePrefix)
	if err != nil {
		return nil, fmt.Errorf("list archived images: %w", err)
	}
	return infos, nil
}

// Open returns the archived image stream; the caller closes it.
func (a *Archive) Open(ctx context.Context, key string) (Info, io.ReadCloser, error) {
	if !a.Enabled() || key == "" {
		return Info{}, nil, fmt.Errorf("open %q: %w", key, ErrNotFound)
	}
	return a.store.Get(ctx, key)
}

// Load decodes an archived image.
func (a *Archive) Load(ctx context.Context, key string, bitDepth int) (*decoder.Image, error) {
	_, rc, err := a.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return decoder.ReadImage(rc, ".pgm", bitDepth)
}

// URL returns a presigned download URL, or ErrUnsupported when the backend
// cannot sign.
func (a *Archive) URL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if !a.Enabled() {
		return "", ErrUnsupported
	}
	return a.store.PresignURL(ctx, key, SignedURLOptions{Expiry: expiry})
}

// Remove deletes an archived image, reporting whether it existed.
func (a *Archive) Remove(ctx context.Context, key string) (bool, error) {
	if !a.Enabled() || key == "" {
		return false, nil
	}
	return a.store.Delete(ctx, key)
}
