package bundler

import (
	"time"

	"gopkg.in/yaml.v3"

	"otad/services/registry"
)

const manifestVersion = "1"

// Manifest is the signed table of contents of a bundle.
type Manifest struct {
	Version          string                   `yaml:"version"`
	CreatedAt        time.Time                `yaml:"created_at"`
	Signer           string                   `yaml:"signer,omitempty"`
	SigningPublicKey string                   `yaml:"signing_public_key,omitempty"`
	Signature        string                   `yaml:"signature,omitempty"`
	Artifacts        []ManifestArtifact       `yaml:"artifacts"`
	Deployments      []registry.CreateRequest `yaml:"deployments,omitempty"`
}

// SigningBytes marshals the manifest without its signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// ManifestArtifact describes one firmware file in the bundle. Name is the
// artifact name it is registered under.
type ManifestArtifact struct {
	Name   string `yaml:"name"`
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}
