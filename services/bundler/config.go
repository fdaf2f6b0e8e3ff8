package bundler

import (
	"context"
	"io"
	"time"

	"otad/services/artifacts"
	"otad/services/registry"
)

// Server is the management API surface an import talks to.
// ddiclient.Client satisfies it.
type Server interface {
	UploadArtifact(ctx context.Context, name string, r io.Reader, sha256 string) (artifacts.Artifact, error)
	FindDeployment(ctx context.Context, name string) (registry.Deployment, error)
	CreateDeployment(ctx context.Context, req registry.CreateRequest) (registry.Deployment, error)
}

// BuildConfig configures bundle creation.
type BuildConfig struct {
	ArtifactsDir string
	// DeploymentsFile optionally holds catalog-format deployment definitions.
	DeploymentsFile string
	Output          string
	Signer          *Signer
	Now             func() time.Time
	Stdout          io.Writer
}

// ImportConfig configures bundle import.
type ImportConfig struct {
	BundlePath string
	Server     Server
	Signer     *Signer
	Stdout     io.Writer
}
