package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otad/pkg/errdefs"
	gos3 "otad/pkg/s3"
)

func TestFSBlobsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	blobs, err := NewFSBlobs(dir)
	require.NoError(t, err)

	store, err := NewStore(blobs, NewMemoryIndex())
	require.NoError(t, err)

	art, err := store.Put(context.Background(), "rootfs.img", strings.NewReader("disk image"), "")
	require.NoError(t, err)

	onDisk, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(art.Locator)))
	require.NoError(t, err)
	assert.Equal(t, "disk image", string(onDisk))

	rc, _, err := store.Open(context.Background(), art.Locator)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "disk image", string(body))

	require.NoError(t, blobs.Delete(context.Background(), art.Locator))
	_, err = os.Stat(filepath.Join(dir, filepath.FromSlash(art.Locator)))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NoError(t, blobs.Delete(context.Background(), art.Locator), "deleting twice is fine")
}

func TestFSBlobsRejectsEscapingLocators(t *testing.T) {
	blobs, err := NewFSBlobs(t.TempDir())
	require.NoError(t, err)

	for _, loc := range []string{"../outside", "/etc/passwd", "", "a/../../b"} {
		err := blobs.Write(context.Background(), loc, strings.NewReader("x"), 1, "")
		assert.ErrorIs(t, err, errdefs.ErrValidation, loc)
	}

	_, err = blobs.Open(context.Background(), "artifacts/none")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestNewFSBlobsRequiresRoot(t *testing.T) {
	_, err := NewFSBlobs("  ")
	assert.Error(t, err)
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	sums    map[string]string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}, sums: map[string]string{}}
}

func (f *fakeObjects) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, sha string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("short body: %d != %d", len(data), size)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = data
	f.sums[bucket+"/"+key] = sha
	return nil
}

func (f *fakeObjects) Get(_ context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", errdefs.ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (f *fakeObjects) PresignGet(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://s3.example/%s/%s?ttl=%d", bucket, key, int(ttl.Seconds())), nil
}

func (f *fakeObjects) Head(_ context.Context, bucket, key string) (gos3.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return gos3.ObjectInfo{}, fmt.Errorf("%w: %s", errdefs.ErrNotFound, key)
	}
	return gos3.ObjectInfo{Size: int64(len(data)), SHA256: f.sums[bucket+"/"+key]}, nil
}

func (f *fakeObjects) Delete(_ context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, bucket+"/"+key)
	delete(f.sums, bucket+"/"+key)
	return nil
}

// truncating drops the last byte on write.
type truncating struct{ *fakeObjects }

func (t truncating) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha string) error {
	if err := t.fakeObjects.PutObject(ctx, bucket, key, r, size, sha); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	data := t.objects[bucket+"/"+key]
	t.objects[bucket+"/"+key] = data[:len(data)-1]
	return nil
}

func TestS3BlobsRejectsShortObject(t *testing.T) {
	objects := newFakeObjects()
	blobs, err := newS3Blobs(truncating{objects}, "firmware")
	require.NoError(t, err)
	store, err := NewStore(blobs, NewMemoryIndex())
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "fw.bin", strings.NewReader("abc"), "")
	require.Error(t, err)
	_, err = store.Stat(context.Background(), "fw.bin")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.Empty(t, objects.objects, "mismatched object is removed")
}

func TestS3BlobsPassesDigestAndPresigns(t *testing.T) {
	objects := newFakeObjects()
	blobs, err := newS3Blobs(objects, "firmware")
	require.NoError(t, err)

	store, err := NewStore(blobs, NewMemoryIndex())
	require.NoError(t, err)

	art, err := store.Put(context.Background(), "fw.bin", strings.NewReader("abc"), "")
	require.NoError(t, err)
	assert.Equal(t, art.SHA256, objects.sums["firmware/"+art.Locator])

	assert.True(t, store.CanPresign())
	url, err := store.PresignGet(context.Background(), art.Locator, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://s3.example/firmware/"+art.Locator+"?ttl=900", url)
}

func TestNewS3BlobsValidates(t *testing.T) {
	_, err := NewS3Blobs(nil, "bucket")
	assert.Error(t, err)
	_, err = newS3Blobs(newFakeObjects(), "")
	assert.Error(t, err)
}
