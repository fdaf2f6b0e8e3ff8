package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"otad/pkg/errdefs"
	"otad/pkg/retry"
)

// Store combines a blob backend with a metadata index.
type Store struct {
	blobs  Blobs
	index  Index
	policy retry.Policy
	logger zerolog.Logger
	now    func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithRetryPolicy overrides the retry policy applied to backend calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore wires a Store.
func NewStore(blobs Blobs, index Index, opts ...Option) (*Store, error) {
	if blobs == nil {
		return nil, errors.New("artifacts: blobs backend is required")
	}
	if index == nil {
		return nil, errors.New("artifacts: index is required")
	}
	s := &Store{
		blobs:  blobs,
		index:  index,
		policy: retry.DefaultPolicy(),
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewMemoryStore returns a Store kept entirely in process memory.
func NewMemoryStore(opts ...Option) *Store {
	s, _ := NewStore(NewMemoryBlobs(), NewMemoryIndex(), opts...)
	return s
}

// Put streams r into the store under name. The payload is spooled to a
// temporary file while hashing so the backend receives its size and digest
// up front and retries can rewind. A non-empty expectedSHA256 must match.
// Re-uploading identical content under an existing name returns the
// existing record; different content is ErrAlreadyExists.
func (s *Store) Put(ctx context.Context, name string, r io.Reader, expectedSHA256 string) (Artifact, error) {
	if err := ValidateName(name); err != nil {
		return Artifact{}, err
	}
	if r == nil {
		return Artifact{}, fmt.Errorf("%w: empty payload", errdefs.ErrValidation)
	}

	spool, err := os.CreateTemp("", "otad-artifact-*")
	if err != nil {
		return Artifact{}, fmt.Errorf("spool artifact: %w", err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(spool, h), r)
	if err != nil {
		return Artifact{}, fmt.Errorf("spool artifact: %w", err)
	}
	digest := hex.EncodeToString(h.Sum(nil))

	if expected := normalizeDigest(expectedSHA256); expected != "" && expected != digest {
		return Artifact{}, fmt.Errorf("%w: sha256 mismatch for %q: expected %s, got %s", errdefs.ErrValidation, name, expected, digest)
	}

	existing, err := s.Stat(ctx, name)
	switch {
	case err == nil:
		if existing.SHA256 == digest && existing.Size == size {
			return existing, nil
		}
		return Artifact{}, fmt.Errorf("%w: artifact %q", errdefs.ErrAlreadyExists, name)
	case !errors.Is(err, errdefs.ErrNotFound):
		return Artifact{}, err
	}

	art := Artifact{
		Name:      name,
		Locator:   path.Join("artifacts", uuid.NewString(), name),
		Size:      size,
		SHA256:    digest,
		CreatedAt: s.now().UTC(),
	}

	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return s.blobs.Write(ctx, art.Locator, spool, size, digest)
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("write artifact %q: %w", name, err)
	}

	if err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.index.Save(ctx, art)
	}); err != nil {
		if !errors.Is(err, errdefs.ErrAlreadyExists) {
			return Artifact{}, fmt.Errorf("index artifact %q: %w", name, err)
		}
		// a concurrent upload of the same name reached the index first
		winner, statErr := s.Stat(ctx, name)
		if statErr != nil {
			return Artifact{}, fmt.Errorf("index artifact %q: %w", name, err)
		}
		if winner.Locator != art.Locator {
			s.discard(ctx, art.Locator)
		}
		if winner.SHA256 != digest || winner.Size != size {
			return Artifact{}, fmt.Errorf("%w: artifact %q", errdefs.ErrAlreadyExists, name)
		}
		return winner, nil
	}

	s.logger.Info().
		Str("artifact", art.Name).
		Str("locator", art.Locator).
		Int64("size", art.Size).
		Str("sha256", art.SHA256).
		Msg("artifact stored")
	return art, nil
}

func (s *Store) discard(ctx context.Context, locator string) {
	if err := s.blobs.Delete(ctx, locator); err != nil {
		s.logger.Warn().Err(err).Str("locator", locator).Msg("remove unindexed artifact blob")
	}
}

// Stat returns the record stored under name.
func (s *Store) Stat(ctx context.Context, name string) (Artifact, error) {
	return retry.Value(ctx, s.policy, func(ctx context.Context) (Artifact, error) {
		return s.index.ByName(ctx, name)
	})
}

// StatLocator returns the record stored under locator.
func (s *Store) StatLocator(ctx context.Context, locator string) (Artifact, error) {
	return retry.Value(ctx, s.policy, func(ctx context.Context) (Artifact, error) {
		return s.index.ByLocator(ctx, locator)
	})
}

// Open returns a reader over the payload at locator plus its record. The
// caller closes the reader.
func (s *Store) Open(ctx context.Context, locator string) (io.ReadCloser, Artifact, error) {
	art, err := s.StatLocator(ctx, locator)
	if err != nil {
		return nil, Artifact{}, err
	}
	rc, err := retry.Value(ctx, s.policy, func(ctx context.Context) (io.ReadCloser, error) {
		return s.blobs.Open(ctx, locator)
	})
	if err != nil {
		return nil, Artifact{}, fmt.Errorf("open artifact %q: %w", art.Name, err)
	}
	return rc, art, nil
}

// PresignGet mints a direct download URL when the blob backend supports it.
func (s *Store) PresignGet(ctx context.Context, locator string, ttl time.Duration) (string, error) {
	p, ok := s.blobs.(Presigner)
	if !ok {
		return "", ErrPresignUnsupported
	}
	return p.PresignGet(ctx, locator, ttl)
}

// CanPresign reports whether PresignGet is available.
func (s *Store) CanPresign() bool {
	_, ok := s.blobs.(Presigner)
	return ok
}
