package bundler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"otad/pkg/errdefs"
	"otad/services/artifacts"
	"otad/services/registry"
)

type fakeServer struct {
	mu          sync.Mutex
	uploads     map[string][]byte
	deployments map[string]registry.CreateRequest
}

func newFakeServer() *fakeServer {
	return &fakeServer{uploads: map[string][]byte{}, deployments: map[string]registry.CreateRequest{}}
}

func (f *fakeServer) UploadArtifact(_ context.Context, name string, r io.Reader, sha string) (artifacts.Artifact, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return artifacts.Artifact{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[name] = data
	return artifacts.Artifact{Name: name, Size: int64(len(data)), SHA256: sha}, nil
}

func (f *fakeServer) FindDeployment(_ context.Context, name string) (registry.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.deployments[name]; !ok {
		return registry.Deployment{}, fmt.Errorf("%w: %s", errdefs.ErrNotFound, name)
	}
	return registry.Deployment{Name: name}, nil
}

func (f *fakeServer) CreateDeployment(_ context.Context, req registry.CreateRequest) (registry.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployments[req.Name] = req
	return registry.Deployment{ID: "id-" + req.Name, Name: req.Name}, nil
}

func newSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	s, err := NewSigner(key, "")
	require.NoError(t, err)
	return s
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

const deploymentsYAML = `name: fleet-rev2
selector:
  matchLabels:
    hw: rev2
artifacts: [rootfs.img, kernel.bin]
`

func buildBundle(t *testing.T, signer *Signer) (string, *Manifest) {
	t.Helper()
	src := writeTree(t, map[string]string{
		"images/rootfs.img": "root filesystem",
		"kernel.bin":        "kernel",
	})
	defs := filepath.Join(t.TempDir(), "deployments.yaml")
	require.NoError(t, os.WriteFile(defs, []byte(deploymentsYAML), 0o644))

	out := filepath.Join(t.TempDir(), "out", "bundle.tar.zst")
	manifest, err := Build(context.Background(), BuildConfig{
		ArtifactsDir:    src,
		DeploymentsFile: defs,
		Output:          out,
		Signer:          signer,
		Now:             func() time.Time { return time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return out, manifest
}

func TestBuildAndImport(t *testing.T) {
	signer := newSigner(t)
	bundle, manifest := buildBundle(t, signer)

	require.Len(t, manifest.Artifacts, 2)
	assert.Equal(t, "rootfs.img", manifest.Artifacts[0].Name)
	assert.Equal(t, "images/rootfs.img", manifest.Artifacts[0].Path)
	assert.Equal(t, "kernel.bin", manifest.Artifacts[1].Name)
	require.Len(t, manifest.Deployments, 1)
	assert.Equal(t, signer.Recipient(), manifest.Signer)

	verifier, err := NewSigner("", signer.PublicKeyBase64())
	require.NoError(t, err)

	server := newFakeServer()
	var out bytes.Buffer
	res, err := Import(context.Background(), ImportConfig{BundlePath: bundle, Server: server, Signer: verifier, Stdout: &out})
	require.NoError(t, err)
	assert.Equal(t, []string{"rootfs.img", "kernel.bin"}, res.Uploaded)
	assert.Equal(t, []string{"fleet-rev2"}, res.Created)
	assert.Equal(t, "root filesystem", string(server.uploads["rootfs.img"]))
	assert.Equal(t, map[string]string{"hw": "rev2"}, server.deployments["fleet-rev2"].Selector.MatchLabels)
	assert.Contains(t, out.String(), "verified manifest signed at 2026-10-01T12:00:00Z")

	res, err = Import(context.Background(), ImportConfig{BundlePath: bundle, Server: server, Signer: verifier})
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, []string{"fleet-rev2"}, res.Existing)
}

func TestImportRejectsUntrustedSigner(t *testing.T) {
	bundle, _ := buildBundle(t, newSigner(t))

	server := newFakeServer()
	_, err := Import(context.Background(), ImportConfig{BundlePath: bundle, Server: server, Signer: newSigner(t)})
	require.ErrorContains(t, err, "unexpected key")
	assert.Empty(t, server.uploads)
}

func TestImportRejectsTamperedArtifact(t *testing.T) {
	signer := newSigner(t)
	good := writeTree(t, map[string]string{"fw.bin": "firmware-v1"})
	manifest, err := Build(context.Background(), BuildConfig{
		ArtifactsDir: good,
		Output:       filepath.Join(t.TempDir(), "good.tar.zst"),
		Signer:       signer,
	})
	require.NoError(t, err)

	// Same manifest, same size, different payload.
	evil := writeTree(t, map[string]string{"fw.bin": "firmware-v2"})
	signed, err := yaml.Marshal(manifest)
	require.NoError(t, err)
	tampered := filepath.Join(t.TempDir(), "tampered.tar.zst")
	require.NoError(t, writeBundle(tampered, signed, manifest.CreatedAt, evil, manifest.Artifacts))

	server := newFakeServer()
	_, err = Import(context.Background(), ImportConfig{BundlePath: tampered, Server: server, Signer: signer})
	require.ErrorContains(t, err, "sha256 mismatch")
	assert.Empty(t, server.uploads)
}

func TestBuildValidates(t *testing.T) {
	signer := newSigner(t)
	_, err := Build(context.Background(), BuildConfig{Output: "x", Signer: signer})
	assert.Error(t, err)
	_, err = Build(context.Background(), BuildConfig{ArtifactsDir: t.TempDir(), Output: filepath.Join(t.TempDir(), "b"), Signer: signer})
	assert.ErrorContains(t, err, "no artifacts")

	dup := writeTree(t, map[string]string{"a/fw.bin": "1", "b/fw.bin": "2"})
	_, err = Build(context.Background(), BuildConfig{ArtifactsDir: dup, Output: filepath.Join(t.TempDir(), "b"), Signer: signer})
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	_, err = Build(context.Background(), BuildConfig{ArtifactsDir: dup, Output: filepath.Join(t.TempDir(), "b")})
	assert.Error(t, err)
}

func TestSigner(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	s, err := NewSigner(key, "")
	require.NoError(t, err)
	assert.NotEmpty(t, s.Recipient())

	sig, err := s.Sign([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, s.Verify([]byte("payload"), sig, s.PublicKeyBase64()))
	assert.Error(t, s.Verify([]byte("tampered"), sig, ""))

	pub, err := NewSigner("", s.PublicKeyBase64())
	require.NoError(t, err)
	require.NoError(t, pub.Verify([]byte("payload"), sig, ""))
	_, err = pub.Sign([]byte("payload"))
	assert.Error(t, err)

	_, err = NewSigner(key, newSigner(t).PublicKeyBase64())
	assert.ErrorContains(t, err, "does not match")
	_, err = NewSigner("", "")
	assert.Error(t, err)
	_, err = NewSigner("not-a-key", "")
	assert.Error(t, err)

	t.Setenv("OTAD_SIGNING_KEY", key)
	t.Setenv("OTAD_SIGNING_PUBLIC_KEY", "")
	env, err := NewSignerFromEnv()
	require.NoError(t, err)
	assert.Equal(t, s.PublicKeyBase64(), env.PublicKeyBase64())
}
