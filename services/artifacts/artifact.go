// Package artifacts is the opaque content store behind deployments. Artifact
// records are immutable: a name is bound once to a locator, size and sha256.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"otad/pkg/errdefs"
)

// Artifact is the metadata of one stored payload.
type Artifact struct {
	Name      string    `json:"name"`
	Locator   string    `json:"locator"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

// Blobs persists payload bytes under an opaque locator.
type Blobs interface {
	Write(ctx context.Context, locator string, r io.Reader, size int64, sha256 string) error
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
	Delete(ctx context.Context, locator string) error
}

// Index persists artifact metadata.
type Index interface {
	Save(ctx context.Context, a Artifact) error
	ByName(ctx context.Context, name string) (Artifact, error)
	ByLocator(ctx context.Context, locator string) (Artifact, error)
}

// Presigner is implemented by blob backends that can hand out direct
// download URLs.
type Presigner interface {
	PresignGet(ctx context.Context, locator string, ttl time.Duration) (string, error)
}

// ErrPresignUnsupported is returned by Store.PresignGet when the blob
// backend cannot mint direct URLs.
var ErrPresignUnsupported = errors.New("artifacts: backend does not support presigned urls")

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]{0,254}$`)

// ValidateName rejects names that are empty, contain path separators or
// would not survive as a download filename.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: invalid artifact name %q", errdefs.ErrValidation, name)
	}
	return nil
}

func normalizeDigest(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}
