package ddi

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"otad/services/artifacts"
)

const artifactRoute = "/rest/v1/ddi/v1/artifacts/"

// Presigner is the subset of *artifacts.Store the linker needs.
type Presigner interface {
	PresignGet(ctx context.Context, locator string, ttl time.Duration) (string, error)
}

// Linker turns artifact records into download hrefs. With presigning
// enabled it hands out direct bucket URLs; otherwise it points at the
// server's own download route.
type Linker struct {
	base    string
	presign Presigner
	ttl     time.Duration
}

// NewLinker returns a linker rooted at publicURL. A nil presigner disables
// presigned links.
func NewLinker(publicURL string, presign Presigner, ttl time.Duration) *Linker {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Linker{base: strings.TrimRight(publicURL, "/"), presign: presign, ttl: ttl}
}

func (l *Linker) Link(ctx context.Context, _ string, a artifacts.Artifact) (string, error) {
	if l.presign != nil {
		href, err := l.presign.PresignGet(ctx, a.Locator, l.ttl)
		if err == nil {
			return href, nil
		}
		if !errors.Is(err, artifacts.ErrPresignUnsupported) {
			return "", err
		}
	}
	return l.base + DownloadPath(a.Locator), nil
}

// DownloadPath is the server route serving locator.
func DownloadPath(locator string) string {
	parts := strings.Split(locator, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return artifactRoute + strings.Join(parts, "/")
}
