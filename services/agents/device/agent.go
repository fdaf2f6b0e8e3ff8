// Package device is the reference update agent: it polls the DDI API,
// downloads and verifies the assigned artifacts, and reports the outcome.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"otad/pkg/errdefs"
	"otad/services/coordinator"
	"otad/services/ddi/ddiclient"
)

const (
	// ConfigPath is where the agent expects to find its JSON configuration file.
	ConfigPath = "/etc/otad/agent.json"

	defaultDownloadDir  = "/var/lib/otad/downloads"
	defaultPollInterval = 10 * time.Second
)

// Config represents the agent configuration stored on disk.
type Config struct {
	Server       string            `json:"server"`
	ControllerID string            `json:"controller_id"`
	DownloadDir  string            `json:"download_dir"`
	PollInterval string            `json:"poll_interval"`
	Attributes   map[string]string `json:"attributes"`
	// AllowInsecure permits a plain http server URL.
	AllowInsecure bool `json:"allow_insecure"`
}

// Service is the long-running agent loop for one controller.
type Service struct {
	client   *ddiclient.Client
	config   Config
	logger   zerolog.Logger
	interval time.Duration
	http     *http.Client

	attributesSent bool
	finished       map[string]string
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the agent logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithHTTPClient replaces the client used for every request.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.http = c }
}

// NewService loads configuration from configPath and returns an initialised Service.
func NewService(configPath string, opts ...Option) (*Service, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return NewServiceFromConfig(cfg, opts...)
}

// NewServiceFromConfig validates cfg and returns an initialised Service.
func NewServiceFromConfig(cfg Config, opts ...Option) (*Service, error) {
	if strings.TrimSpace(cfg.Server) == "" {
		return nil, fmt.Errorf("config missing server field")
	}
	if err := ensureHTTPS(cfg.Server, cfg.AllowInsecure || allowInsecureHTTP()); err != nil {
		return nil, err
	}
	cfg.ControllerID = strings.TrimSpace(cfg.ControllerID)
	if cfg.ControllerID == "" {
		return nil, fmt.Errorf("config missing controller_id field")
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = defaultDownloadDir
	}
	interval := defaultPollInterval
	if cfg.PollInterval != "" {
		d, err := time.ParseDuration(cfg.PollInterval)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid poll_interval %q", cfg.PollInterval)
		}
		interval = d
	}

	s := &Service{
		config:   cfg,
		logger:   zerolog.Nop(),
		interval: interval,
		finished: map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}

	var clientOpts []ddiclient.Option
	if s.http != nil {
		clientOpts = append(clientOpts, ddiclient.WithHTTPClient(s.http))
	}
	client, err := ddiclient.New(cfg.Server, clientOpts...)
	if err != nil {
		return nil, err
	}
	s.client = client
	s.logger = s.logger.With().Str("controller_id", cfg.ControllerID).Logger()
	return s, nil
}

// Run executes the agent loop until ctx is cancelled. The wait between
// polls follows the server's sleep hint; failed polls back off exponentially.
func (s *Service) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 5 * time.Minute

	for {
		wait, err := s.Cycle(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return err
		case err != nil:
			wait = bo.NextBackOff()
			s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("update cycle failed")
		default:
			bo.Reset()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Cycle performs one poll and, when a deployment is assigned, applies it.
// It returns how long to wait before the next poll.
func (s *Service) Cycle(ctx context.Context) (time.Duration, error) {
	if !s.attributesSent && len(s.config.Attributes) > 0 {
		if _, err := s.client.ConfigData(ctx, s.config.ControllerID, s.config.Attributes); err != nil {
			return 0, fmt.Errorf("send attributes: %w", err)
		}
		s.attributesSent = true
	}

	res, err := s.client.Poll(ctx, s.config.ControllerID)
	if err != nil {
		return 0, fmt.Errorf("poll: %w", err)
	}
	wait := res.Sleep
	if wait <= 0 {
		wait = s.interval
	}
	if res.DeploymentID == "" {
		s.logger.Debug().Dur("sleep", wait).Msg("no update available")
		return wait, nil
	}
	if status, ok := s.finished[res.DeploymentID]; ok {
		s.logger.Debug().Str("deployment_id", res.DeploymentID).Str("status", status).Msg("deployment already handled")
		return wait, nil
	}
	if err := s.apply(ctx, res.DeploymentID); err != nil {
		return 0, err
	}
	return wait, nil
}

// Finished returns the final status the agent reported for deploymentID.
func (s *Service) Finished(deploymentID string) (string, bool) {
	status, ok := s.finished[deploymentID]
	return status, ok
}

func (s *Service) apply(ctx context.Context, deploymentID string) error {
	log := s.logger.With().Str("deployment_id", deploymentID).Logger()
	log.Info().Msg("deployment assigned")

	base, err := s.client.Deployment(ctx, s.config.ControllerID, deploymentID)
	if err != nil {
		return fmt.Errorf("fetch deployment: %w", err)
	}

	// A restarted agent may already have reported RUNNING.
	if _, err := s.report(ctx, deploymentID, coordinator.StatusRunning, nil); err != nil && !errors.Is(err, errdefs.ErrInvalidTransition) {
		return err
	}

	status := coordinator.StatusSuccess
	var details []string
	for _, art := range base.Artifacts {
		path, err := s.fetch(ctx, deploymentID, art)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			status = coordinator.StatusFailure
			details = append(details, fmt.Sprintf("%s: %v", art.Name, err))
			log.Error().Err(err).Str("artifact", art.Name).Msg("artifact download failed")
			break
		}
		details = append(details, fmt.Sprintf("%s: verified %d bytes", art.Name, art.Size))
		log.Info().Str("artifact", art.Name).Str("path", path).Msg("artifact verified")
	}

	ack, err := s.report(ctx, deploymentID, status, details)
	switch {
	case errors.Is(err, errdefs.ErrInvalidTransition):
		// Expired or reassigned while we worked; nothing left to report.
		log.Warn().Err(err).Msg("final report rejected")
	case err != nil:
		return err
	default:
		log.Info().Str("status", status).Stringer("state", ack.State).Msg("deployment finished")
	}
	s.finished[deploymentID] = status
	return nil
}

func (s *Service) report(ctx context.Context, deploymentID, status string, details []string) (coordinator.Ack, error) {
	return s.client.Feedback(ctx, s.config.ControllerID, deploymentID, coordinator.Report{
		Time:    time.Now().UTC().Format(time.RFC3339),
		Status:  status,
		Details: details,
	})
}

// fetch streams one artifact into the download directory, checking size and
// digest before the file is moved into place.
func (s *Service) fetch(ctx context.Context, deploymentID string, art coordinator.DescriptorArtifact) (string, error) {
	dir := filepath.Join(s.config.DownloadDir, deploymentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	name := filepath.Base(filepath.Clean("/" + art.Name))
	if name == "/" || name == "." {
		return "", fmt.Errorf("invalid artifact name %q", art.Name)
	}

	tmp, err := os.CreateTemp(dir, name+".*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, advertised, err := s.client.Download(ctx, art.Href, io.MultiWriter(tmp, h))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", err
	}

	if art.Size > 0 && n != art.Size {
		return "", fmt.Errorf("size mismatch: got %d bytes, want %d", n, art.Size)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	want := strings.ToLower(art.SHA256)
	if want == "" {
		want = strings.ToLower(advertised)
	}
	if want != "" && sum != want {
		return "", fmt.Errorf("checksum mismatch: got %s, want %s", sum, want)
	}

	dst := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("move into place: %w", err)
	}
	return dst, nil
}

// LoadConfig reads the JSON agent configuration at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func allowInsecureHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("OTAD_ALLOW_INSECURE_HTTP"))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func ensureHTTPS(raw string, allowInsecure bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if allowInsecure {
			return nil
		}
		return fmt.Errorf("server url %q must use https (set OTAD_ALLOW_INSECURE_HTTP=1 to override)", raw)
	default:
		return fmt.Errorf("server url %q must be http or https", raw)
	}
}
