// Package ddiclient is a Go client for the otad DDI and management routes.
package ddiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"otad/pkg/errdefs"
	"otad/services/artifacts"
	"otad/services/coordinator"
	"otad/services/registry"
)

const ddiPrefix = "/rest/v1/ddi/v1/controller/device/"

// APIError is a non-2xx response. It matches the errdefs sentinel that
// corresponds to its status code.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("otad: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

func (e *APIError) Is(target error) bool {
	switch e.Status {
	case http.StatusNotFound:
		return target == errdefs.ErrNotFound
	case http.StatusBadRequest:
		return target == errdefs.ErrValidation
	case http.StatusConflict:
		return target == errdefs.ErrInvalidTransition || target == errdefs.ErrAlreadyExists || target == errdefs.ErrConflict
	case http.StatusServiceUnavailable:
		return target == errdefs.ErrStorageUnavailable
	}
	return false
}

// Client talks to one otad server.
type Client struct {
	base *url.URL
	http *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", baseURL)
	}
	c := &Client{
		base: u,
		http: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Resolve turns a possibly relative href from the server into an absolute URL.
func (c *Client) Resolve(href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href %q: %w", href, err)
	}
	return c.base.ResolveReference(ref).String(), nil
}

// PollResult is the outcome of one DDI poll.
type PollResult struct {
	// Sleep is the server's suggested delay before the next poll.
	Sleep time.Duration
	// DeploymentID is set when a deployment is assigned.
	DeploymentID string
	// DeploymentHref links to the deploymentBase resource.
	DeploymentHref string
	// Links maps artifact name to download link, from the inline shape.
	Links map[string]Link
}

// Link is an inline artifact download reference.
type Link struct {
	Href string `json:"href"`
	Size int64  `json:"size"`
}

type pollBody struct {
	Config struct {
		Polling struct {
			Sleep string `json:"sleep"`
		} `json:"polling"`
	} `json:"config"`
	Links map[string]struct {
		Href string `json:"href"`
	} `json:"_links"`
	DeploymentBase *struct {
		ID       string `json:"id"`
		Download struct {
			Links map[string]Link `json:"links"`
		} `json:"download"`
	} `json:"deploymentBase"`
}

// Poll asks whether controllerID has work.
func (c *Client) Poll(ctx context.Context, controllerID string) (PollResult, error) {
	var body pollBody
	if err := c.do(ctx, http.MethodGet, ddiPrefix+url.PathEscape(controllerID), nil, &body); err != nil {
		return PollResult{}, err
	}
	sleep, err := ParseSleep(body.Config.Polling.Sleep)
	if err != nil {
		return PollResult{}, err
	}
	res := PollResult{Sleep: sleep}
	if l, ok := body.Links["deploymentBase"]; ok {
		res.DeploymentHref = l.Href
	}
	if body.DeploymentBase != nil {
		res.DeploymentID = body.DeploymentBase.ID
		res.Links = body.DeploymentBase.Download.Links
	}
	return res, nil
}

// DeploymentBase is the full descriptor of an assigned deployment.
type DeploymentBase struct {
	ID         string                           `json:"id"`
	Deployment json.RawMessage                  `json:"deployment"`
	Artifacts  []coordinator.DescriptorArtifact `json:"artifacts"`
}

// Deployment fetches the descriptor of deploymentID.
func (c *Client) Deployment(ctx context.Context, controllerID, deploymentID string) (DeploymentBase, error) {
	var out DeploymentBase
	err := c.do(ctx, http.MethodGet, ddiPrefix+url.PathEscape(controllerID)+"/deploymentBase/"+url.PathEscape(deploymentID), nil, &out)
	return out, err
}

// Feedback reports progress on deploymentID.
func (c *Client) Feedback(ctx context.Context, controllerID, deploymentID string, rep coordinator.Report) (coordinator.Ack, error) {
	if rep.ID == "" {
		rep.ID = deploymentID
	}
	if rep.Details == nil {
		rep.Details = []string{}
	}
	var ack coordinator.Ack
	err := c.do(ctx, http.MethodPost, ddiPrefix+url.PathEscape(controllerID)+"/deploymentBase/"+url.PathEscape(deploymentID)+"/feedback", rep, &ack)
	return ack, err
}

// ConfigData replaces the controller attributes used by label selectors.
func (c *Client) ConfigData(ctx context.Context, controllerID string, attrs map[string]string) (coordinator.Controller, error) {
	var out coordinator.Controller
	err := c.do(ctx, http.MethodPut, ddiPrefix+url.PathEscape(controllerID)+"/configData", map[string]any{"data": attrs}, &out)
	return out, err
}

// Download streams href into w and returns the byte count plus the checksum
// advertised by the server.
func (c *Client) Download(ctx context.Context, href string, w io.Writer) (int64, string, error) {
	target, err := c.Resolve(href)
	if err != nil {
		return 0, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", decodeError(resp)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, "", fmt.Errorf("download: %w", err)
	}
	return n, resp.Header.Get("X-Checksum-Sha256"), nil
}

// UploadArtifact streams r as artifact name. sha256 may be empty.
func (c *Client) UploadArtifact(ctx context.Context, name string, r io.Reader, sha256 string) (artifacts.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/v1/artifacts/"+url.PathEscape(name)), r)
	if err != nil {
		return artifacts.Artifact{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if sha256 != "" {
		req.Header.Set("X-Checksum-Sha256", sha256)
	}
	var out artifacts.Artifact
	err = c.send(req, &out)
	return out, err
}

// Artifact returns the metadata of artifact name.
func (c *Client) Artifact(ctx context.Context, name string) (artifacts.Artifact, error) {
	var out artifacts.Artifact
	err := c.do(ctx, http.MethodGet, "/v1/artifacts/"+url.PathEscape(name), nil, &out)
	return out, err
}

// CreateDeployment registers a new deployment.
func (c *Client) CreateDeployment(ctx context.Context, req registry.CreateRequest) (registry.Deployment, error) {
	var out registry.Deployment
	err := c.do(ctx, http.MethodPost, "/v1/deployments", req, &out)
	return out, err
}

// GetDeployment fetches a deployment by id.
func (c *Client) GetDeployment(ctx context.Context, id string) (registry.Deployment, error) {
	var out registry.Deployment
	err := c.do(ctx, http.MethodGet, "/v1/deployments/"+url.PathEscape(id), nil, &out)
	return out, err
}

// FindDeployment fetches a deployment by name.
func (c *Client) FindDeployment(ctx context.Context, name string) (registry.Deployment, error) {
	var out registry.Deployment
	err := c.do(ctx, http.MethodGet, "/v1/deployments?name="+url.QueryEscape(name), nil, &out)
	return out, err
}

// History lists the status reports of a deployment.
func (c *Client) History(ctx context.Context, id string) ([]coordinator.StatusReport, error) {
	var out struct {
		Reports []coordinator.StatusReport `json:"reports"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/deployments/"+url.PathEscape(id)+"/history", nil, &out)
	return out.Reports, err
}

// Audit lists the audit trail of a deployment.
func (c *Client) Audit(ctx context.Context, id string) ([]registry.AuditRecord, error) {
	var out struct {
		Records []registry.AuditRecord `json:"records"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/deployments/"+url.PathEscape(id)+"/audit", nil, &out)
	return out.Records, err
}

// Controller fetches a controller record.
func (c *Client) Controller(ctx context.Context, id string) (coordinator.Controller, error) {
	var out coordinator.Controller
	err := c.do(ctx, http.MethodGet, "/v1/controllers/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ParseSleep parses the DDI "HH:MM:SS" polling sleep. Empty is zero.
func ParseSleep(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid polling sleep %q", v)
	}
	var total time.Duration
	for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid polling sleep %q", v)
		}
		total += time.Duration(n) * unit
	}
	return total, nil
}

func (c *Client) url(path string) string {
	return c.base.String() + path
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
