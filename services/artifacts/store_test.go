package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otad/pkg/errdefs"
	"otad/pkg/retry"
)

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func TestPutStatOpen(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	payload := bytes.Repeat([]byte{0xAB}, 1048576)

	art, err := store.Put(ctx, "firmware", bytes.NewReader(payload), "")
	require.NoError(t, err)
	assert.Equal(t, "firmware", art.Name)
	assert.Equal(t, int64(1048576), art.Size)
	assert.Equal(t, digest(payload), art.SHA256)
	assert.NotEmpty(t, art.Locator)

	got, err := store.Stat(ctx, "firmware")
	require.NoError(t, err)
	assert.Equal(t, art, got)

	rc, meta, err := store.Open(ctx, art.Locator)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, art, meta)

	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, body)
}

func TestPutVerifiesExpectedDigest(t *testing.T) {
	store := NewMemoryStore()
	payload := []byte("image")

	_, err := store.Put(context.Background(), "img", bytes.NewReader(payload), strings.Repeat("0", 64))
	require.ErrorIs(t, err, errdefs.ErrValidation)

	art, err := store.Put(context.Background(), "img", bytes.NewReader(payload), strings.ToUpper(digest(payload)))
	require.NoError(t, err)
	assert.Equal(t, digest(payload), art.SHA256)
}

func TestPutIsImmutable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first, err := store.Put(ctx, "app.bin", strings.NewReader("v1"), "")
	require.NoError(t, err)

	again, err := store.Put(ctx, "app.bin", strings.NewReader("v1"), "")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	_, err = store.Put(ctx, "app.bin", strings.NewReader("v2"), "")
	require.ErrorIs(t, err, errdefs.ErrAlreadyExists)

	got, err := store.Stat(ctx, "app.bin")
	require.NoError(t, err)
	assert.Equal(t, first, got)
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"firmware", "os-1.2.3.swu", "rootfs_v2+hotfix"} {
		assert.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"", "../etc/passwd", "a/b", ".hidden", "a..b", strings.Repeat("x", 300)} {
		assert.ErrorIs(t, ValidateName(name), errdefs.ErrValidation, name)
	}
}

func TestUnknownArtifact(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Stat(context.Background(), "missing")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	_, _, err = store.Open(context.Background(), "artifacts/x/missing")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

type flakyBlobs struct {
	*MemoryBlobs
	failures int
	calls    int
}

func (f *flakyBlobs) Write(ctx context.Context, locator string, r io.Reader, size int64, sha string) error {
	f.calls++
	if f.calls <= f.failures {
		// consume part of the stream so a retry must rewind
		_, _ = io.CopyN(io.Discard, r, 1)
		return fmt.Errorf("put: %w", errdefs.ErrStorageUnavailable)
	}
	return f.MemoryBlobs.Write(ctx, locator, r, size, sha)
}

func TestPutRetriesTransientBackendErrors(t *testing.T) {
	ctx := context.Background()
	blobs := &flakyBlobs{MemoryBlobs: NewMemoryBlobs(), failures: 2}
	store, err := NewStore(blobs, NewMemoryIndex(), WithRetryPolicy(fastPolicy()))
	require.NoError(t, err)

	art, err := store.Put(ctx, "fw", strings.NewReader("payload"), "")
	require.NoError(t, err)
	assert.Equal(t, 3, blobs.calls)

	rc, _, err := store.Open(ctx, art.Locator)
	require.NoError(t, err)
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	assert.Equal(t, "payload", string(body))
}

func TestPutSurfacesExhaustedRetries(t *testing.T) {
	blobs := &flakyBlobs{MemoryBlobs: NewMemoryBlobs(), failures: 10}
	store, err := NewStore(blobs, NewMemoryIndex(), WithRetryPolicy(fastPolicy()))
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "fw", strings.NewReader("payload"), "")
	require.ErrorIs(t, err, errdefs.ErrStorageUnavailable)
	assert.Equal(t, 3, blobs.calls)

	_, err = store.Stat(context.Background(), "fw")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestPresignUnsupportedOnMemory(t *testing.T) {
	store := NewMemoryStore()
	assert.False(t, store.CanPresign())
	_, err := store.PresignGet(context.Background(), "x", time.Minute)
	assert.ErrorIs(t, err, ErrPresignUnsupported)
}

func TestNewStoreRequiresBackends(t *testing.T) {
	_, err := NewStore(nil, NewMemoryIndex())
	assert.Error(t, err)
	_, err = NewStore(NewMemoryBlobs(), nil)
	assert.Error(t, err)
}

// racingBlobs runs race once, right after the first blob write lands, to
// let a competing upload finish in between.
type racingBlobs struct {
	*MemoryBlobs
	race  func()
	raced bool
}

func (b *racingBlobs) Write(ctx context.Context, locator string, r io.Reader, size int64, sha string) error {
	if err := b.MemoryBlobs.Write(ctx, locator, r, size, sha); err != nil {
		return err
	}
	if !b.raced {
		b.raced = true
		b.race()
	}
	return nil
}

func TestConcurrentPutSameContentConverges(t *testing.T) {
	ctx := context.Background()
	blobs := &racingBlobs{MemoryBlobs: NewMemoryBlobs()}
	store, err := NewStore(blobs, NewMemoryIndex())
	require.NoError(t, err)

	var first Artifact
	blobs.race = func() {
		first, err = store.Put(ctx, "fw", strings.NewReader("payload"), "")
		require.NoError(t, err)
	}

	second, err := store.Put(ctx, "fw", strings.NewReader("payload"), "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, blobs.count(), "the losing upload's blob is removed")

	rc, _, err := store.Open(ctx, second.Locator)
	require.NoError(t, err)
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	assert.Equal(t, "payload", string(body))
}

func TestConcurrentPutDifferentContentConflicts(t *testing.T) {
	ctx := context.Background()
	blobs := &racingBlobs{MemoryBlobs: NewMemoryBlobs()}
	store, err := NewStore(blobs, NewMemoryIndex())
	require.NoError(t, err)

	blobs.race = func() {
		_, err := store.Put(ctx, "fw", strings.NewReader("other payload"), "")
		require.NoError(t, err)
	}

	_, err = store.Put(ctx, "fw", strings.NewReader("payload"), "")
	assert.ErrorIs(t, err, errdefs.ErrAlreadyExists)
	assert.Equal(t, 1, blobs.count())

	art, err := store.Stat(ctx, "fw")
	require.NoError(t, err)
	assert.Equal(t, int64(len("other payload")), art.Size)
}
