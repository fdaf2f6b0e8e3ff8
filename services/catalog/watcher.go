// Package catalog keeps deployments declared as YAML files on disk in sync
// with the registry. Each definition must carry a name; a definition whose
// name already exists is left alone, so files can be rescanned freely.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"otad/pkg/errdefs"
	"otad/services/registry"
)

const (
	defaultInterval = 30 * time.Second
	// SyncedSubject receives a summary after every sync that saw changes.
	SyncedSubject = "otad.catalog.synced"
)

// Deployments is the registry surface the watcher drives.
type Deployments interface {
	GetByName(ctx context.Context, name string) (registry.Deployment, error)
	Create(ctx context.Context, req registry.CreateRequest) (registry.Deployment, error)
}

// Publisher announces sync results. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Snapshot is the last catalog content seen on disk.
type Snapshot struct {
	Version   string
	UpdatedAt time.Time
	Files     map[string]string
}

// Result summarises one sync.
type Result struct {
	Version  string    `json:"version"`
	At       time.Time `json:"updated_at"`
	Files    int       `json:"files"`
	Created  []string  `json:"created,omitempty"`
	Existing int       `json:"existing"`
	Failed   []string  `json:"failed,omitempty"`
}

// Watcher rescans a directory of deployment definitions on an interval.
type Watcher struct {
	dir         string
	interval    time.Duration
	deployments Deployments
	pub         Publisher
	logger      zerolog.Logger
	now         func() time.Time

	mu       sync.RWMutex
	snapshot Snapshot
	retry    bool
}

// Option customises a Watcher.
type Option func(*Watcher)

// WithPublisher announces each sync on SyncedSubject.
func WithPublisher(p Publisher) Option {
	return func(w *Watcher) { w.pub = p }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

// NewWatcher builds a Watcher over dir. Interval defaults to 30 seconds.
func NewWatcher(dir string, interval time.Duration, deployments Deployments, opts ...Option) (*Watcher, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("catalog: directory is required")
	}
	if deployments == nil {
		return nil, errors.New("catalog: deployments are required")
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	w := &Watcher{
		dir:         dir,
		interval:    interval,
		deployments: deployments,
		logger:      zerolog.Nop(),
		now:         time.Now,
		snapshot:    Snapshot{Files: map[string]string{}},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start syncs once, then on every tick until ctx is cancelled. A failing
// first sync is returned; later failures are logged.
func (w *Watcher) Start(ctx context.Context) error {
	if w == nil {
		return errors.New("nil watcher")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	if _, err := w.Sync(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.sync(ctx, false); err != nil && ctx.Err() == nil {
				w.logger.Error().Err(err).Str("dir", w.dir).Msg("catalog sync failed")
			}
		}
	}
}

// Sync forces a full pass regardless of whether files changed.
func (w *Watcher) Sync(ctx context.Context) (Result, error) {
	return w.sync(ctx, true)
}

// Snapshot returns a copy of the latest cached state.
func (w *Watcher) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	files := make(map[string]string, len(w.snapshot.Files))
	for k, v := range w.snapshot.Files {
		files[k] = v
	}
	return Snapshot{Version: w.snapshot.Version, UpdatedAt: w.snapshot.UpdatedAt, Files: files}
}

func (w *Watcher) sync(ctx context.Context, force bool) (Result, error) {
	files, err := readFiles(w.dir)
	if err != nil {
		return Result{}, err
	}

	w.mu.Lock()
	changed := w.snapshot.Version == "" || w.retry || !reflect.DeepEqual(w.snapshot.Files, files)
	if changed {
		w.snapshot = Snapshot{Version: uuid.NewString(), UpdatedAt: w.now().UTC(), Files: files}
	}
	current := w.snapshot
	w.mu.Unlock()

	if !changed && !force {
		return Result{}, nil
	}

	res := Result{Version: current.Version, At: current.UpdatedAt, Files: len(files)}
	for _, path := range sortedKeys(files) {
		defs, err := Parse(files[path])
		if err != nil {
			w.logger.Warn().Err(err).Str("file", path).Msg("skipping unreadable catalog file")
			res.Failed = append(res.Failed, path)
			continue
		}
		for _, def := range defs {
			created, err := w.apply(ctx, def)
			switch {
			case err != nil:
				w.logger.Warn().Err(err).Str("file", path).Str("deployment", def.Name).Msg("catalog deployment not applied")
				res.Failed = append(res.Failed, path+"#"+def.Name)
			case created:
				res.Created = append(res.Created, def.Name)
			default:
				res.Existing++
			}
		}
	}

	w.mu.Lock()
	w.retry = len(res.Failed) > 0
	w.mu.Unlock()

	if len(res.Created) > 0 {
		w.logger.Info().Strs("created", res.Created).Str("version", res.Version).Msg("catalog synced")
	}
	if w.pub != nil {
		if err := w.pub.Publish(ctx, SyncedSubject, res); err != nil {
			return res, fmt.Errorf("publish catalog sync: %w", err)
		}
	}
	return res, nil
}

func (w *Watcher) apply(ctx context.Context, def registry.CreateRequest) (bool, error) {
	_, err := w.deployments.GetByName(ctx, def.Name)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, errdefs.ErrNotFound):
		return false, err
	}
	if _, err := w.deployments.Create(ctx, def); err != nil {
		if errors.Is(err, errdefs.ErrAlreadyExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Parse reads one or more YAML documents, each a named deployment definition.
func Parse(content string) ([]registry.CreateRequest, error) {
	dec := yaml.NewDecoder(bytes.NewBufferString(content))
	dec.KnownFields(true)

	var out []registry.CreateRequest
	for {
		var def registry.CreateRequest
		err := dec.Decode(&def)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		def.Name = strings.TrimSpace(def.Name)
		if def.Name == "" {
			return nil, fmt.Errorf("%w: catalog deployments must be named", errdefs.ErrValidation)
		}
		out = append(out, def)
	}
	return out, nil
}

func readFiles(root string) (map[string]string, error) {
	result := map[string]string{}

	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return result, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("catalog path is not a directory")
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
		default:
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		result[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
