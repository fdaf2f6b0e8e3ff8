// Package bundler builds and imports signed offline bundles: a tar.zst
// holding firmware artifacts, optional deployment definitions, and a
// signed YAML manifest.
package bundler

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"otad/pkg/errdefs"
	"otad/services/artifacts"
	"otad/services/catalog"
)

const (
	manifestFileName   = "manifest.yaml"
	artifactsTarPrefix = "artifacts"
)

// Build assembles a bundle from cfg.ArtifactsDir and writes the tar.zst
// archive to cfg.Output.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if cfg.ArtifactsDir == "" {
		return nil, errors.New("artifacts directory is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}

	info, err := os.Stat(cfg.ArtifactsDir)
	if err != nil {
		return nil, fmt.Errorf("stat artifacts dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("artifacts dir %q is not a directory", cfg.ArtifactsDir)
	}

	entries, err := collectArtifacts(ctx, cfg.ArtifactsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.New("no artifacts found to bundle")
	}

	manifest := &Manifest{
		Version:          manifestVersion,
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Artifacts:        entries,
	}

	if cfg.DeploymentsFile != "" {
		data, err := os.ReadFile(cfg.DeploymentsFile)
		if err != nil {
			return nil, fmt.Errorf("read deployments file: %w", err)
		}
		if manifest.Deployments, err = catalog.Parse(string(data)); err != nil {
			return nil, fmt.Errorf("parse deployments file: %w", err)
		}
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	if manifest.Signature, err = cfg.Signer.Sign(payload); err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, manifestBytes, manifest.CreatedAt, cfg.ArtifactsDir, entries); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d artifacts, %d deployments)\n", cfg.Output, len(entries), len(manifest.Deployments))
	return manifest, nil
}

func collectArtifacts(ctx context.Context, root string) ([]ManifestArtifact, error) {
	var out []ManifestArtifact
	seen := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", p, err)
		}
		rel = filepath.ToSlash(rel)
		name := path.Base(rel)
		if err := artifacts.ValidateName(name); err != nil {
			return err
		}
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("%w: %q and %q both map to artifact %q", errdefs.ErrValidation, prev, rel, name)
		}
		seen[name] = rel

		size, sum, err := hashFile(p)
		if err != nil {
			return err
		}
		out = append(out, ManifestArtifact{Name: name, Path: rel, Size: size, SHA256: sum})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func hashFile(p string) (int64, string, error) {
	file, err := os.Open(p)
	if err != nil {
		return 0, "", fmt.Errorf("open %q: %w", p, err)
	}
	defer file.Close()
	h := sha256.New()
	size, err := io.Copy(h, file)
	if err != nil {
		return 0, "", fmt.Errorf("hash %q: %w", p, err)
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

func writeBundle(output string, manifest []byte, modTime time.Time, artifactsDir string, entries []ManifestArtifact) (err error) {
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	encoder, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)
	defer func() {
		for _, closeErr := range []error{tw.Close(), encoder.Close(), file.Close()} {
			if err == nil && closeErr != nil {
				err = fmt.Errorf("finish bundle: %w", closeErr)
			}
		}
	}()

	if err := tw.WriteHeader(&tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range entries {
		if err := appendFile(tw, filepath.Join(artifactsDir, filepath.FromSlash(entry.Path)), entry, modTime); err != nil {
			return err
		}
	}
	return nil
}

func appendFile(tw *tar.Writer, src string, entry ManifestArtifact, modTime time.Time) error {
	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", entry.Path, err)
	}
	defer file.Close()

	if err := tw.WriteHeader(&tar.Header{
		Name:     path.Join(artifactsTarPrefix, entry.Path),
		Mode:     0o644,
		Size:     entry.Size,
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write header for %q: %w", entry.Path, err)
	}
	if _, err := io.CopyN(tw, file, entry.Size); err != nil {
		return fmt.Errorf("copy %q: %w", entry.Path, err)
	}
	return nil
}

// ImportResult summarises what an import changed on the server.
type ImportResult struct {
	Manifest *Manifest
	Uploaded []string
	Created  []string
	Existing []string
}

// Import verifies the bundle signature and every artifact digest, then
// uploads artifacts and creates missing deployments through cfg.Server.
// Nothing is uploaded unless the whole bundle verifies.
func Import(ctx context.Context, cfg ImportConfig) (*ImportResult, error) {
	if cfg.BundlePath == "" {
		return nil, errors.New("bundle file is required")
	}
	if cfg.Server == nil {
		return nil, errors.New("server is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}

	tempDir, err := os.MkdirTemp("", "otad-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	manifestBytes, files, err := extract(ctx, cfg.BundlePath, tempDir)
	if err != nil {
		return nil, err
	}
	manifest, err := verifyManifest(manifestBytes, cfg.Signer)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(cfg.Stdout, "verified manifest signed at %s\n", manifest.CreatedAt.Format(time.RFC3339))

	verified := make(map[string]string, len(manifest.Artifacts))
	for _, art := range manifest.Artifacts {
		tempPath, ok := files[path.Join(artifactsTarPrefix, path.Clean(art.Path))]
		if !ok {
			return nil, fmt.Errorf("artifact %q missing from archive", art.Path)
		}
		size, sum, err := hashFile(tempPath)
		if err != nil {
			return nil, err
		}
		if size != art.Size {
			return nil, fmt.Errorf("size mismatch for %q: expected %d got %d", art.Path, art.Size, size)
		}
		if !strings.EqualFold(sum, art.SHA256) {
			return nil, fmt.Errorf("sha256 mismatch for %q", art.Path)
		}
		verified[art.Name] = tempPath
	}

	res := &ImportResult{Manifest: manifest}
	for _, art := range manifest.Artifacts {
		if err := upload(ctx, cfg.Server, art, verified[art.Name]); err != nil {
			return res, err
		}
		res.Uploaded = append(res.Uploaded, art.Name)
		fmt.Fprintf(cfg.Stdout, "uploaded %s (%d bytes)\n", art.Name, art.Size)
	}

	for _, def := range manifest.Deployments {
		_, err := cfg.Server.FindDeployment(ctx, def.Name)
		switch {
		case err == nil:
			res.Existing = append(res.Existing, def.Name)
			continue
		case !errors.Is(err, errdefs.ErrNotFound):
			return res, fmt.Errorf("look up deployment %q: %w", def.Name, err)
		}
		d, err := cfg.Server.CreateDeployment(ctx, def)
		if err != nil {
			return res, fmt.Errorf("create deployment %q: %w", def.Name, err)
		}
		res.Created = append(res.Created, def.Name)
		fmt.Fprintf(cfg.Stdout, "created deployment %s (%s)\n", def.Name, d.ID)
	}
	return res, nil
}

func upload(ctx context.Context, server Server, art ManifestArtifact, src string) error {
	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q for upload: %w", art.Path, err)
	}
	defer file.Close()
	if _, err := server.UploadArtifact(ctx, art.Name, file, art.SHA256); err != nil {
		return fmt.Errorf("upload %q: %w", art.Name, err)
	}
	return nil
}

// extract unpacks the archive below dir and returns the manifest bytes and
// a map of archive path to extracted file.
func extract(ctx context.Context, bundlePath, dir string) ([]byte, map[string]string, error) {
	bundleFile, err := os.Open(bundlePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open bundle: %w", err)
	}
	defer bundleFile.Close()

	decoder, err := zstd.NewReader(bundleFile)
	if err != nil {
		return nil, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var manifest []byte
	files := map[string]string{}
	tr := tar.NewReader(decoder)
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(header.Name)
		if name == manifestFileName {
			if manifest, err = io.ReadAll(io.LimitReader(tr, 4<<20)); err != nil {
				return nil, nil, fmt.Errorf("read manifest: %w", err)
			}
			continue
		}
		if !strings.HasPrefix(name, artifactsTarPrefix+"/") || strings.Contains(name, "..") {
			return nil, nil, fmt.Errorf("invalid entry path %q", header.Name)
		}

		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, nil, fmt.Errorf("mkdir for %q: %w", name, err)
		}
		if err := writeFile(target, tr); err != nil {
			return nil, nil, fmt.Errorf("extract %q: %w", name, err)
		}
		files[name] = target
	}
	if len(manifest) == 0 {
		return nil, nil, errors.New("bundle missing manifest.yaml")
	}
	return manifest, files, nil
}

func writeFile(target string, r io.Reader) error {
	file, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func verifyManifest(data []byte, signer *Signer) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, errors.New("manifest missing signature")
	}
	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}
	for _, def := range manifest.Deployments {
		if strings.TrimSpace(def.Name) == "" {
			return nil, fmt.Errorf("%w: bundled deployments must be named", errdefs.ErrValidation)
		}
	}
	return &manifest, nil
}
