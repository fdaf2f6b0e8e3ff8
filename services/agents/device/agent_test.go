package device_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otad/services/agents/device"
	"otad/services/coordinator"
	"otad/services/ddi"
	"otad/services/ddi/ddiclient"
	"otad/services/registry"
)

func newServer(t *testing.T) (*ddiclient.Client, string) {
	t.Helper()
	cfg, err := ddi.LoadWith(context.Background(), envconfig.MapLookuper(nil))
	require.NoError(t, err)
	app, err := ddi.Build(context.Background(), cfg, zerolog.Nop(), ddi.BuildOptions{})
	require.NoError(t, err)
	t.Cleanup(app.Close)

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	client, err := ddiclient.New(srv.URL)
	require.NoError(t, err)
	return client, srv.URL
}

func upload(t *testing.T, client *ddiclient.Client, name string, data []byte) string {
	t.Helper()
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	_, err := client.UploadArtifact(context.Background(), name, bytes.NewReader(data), digest)
	require.NoError(t, err)
	return digest
}

func TestCycleAppliesDeployment(t *testing.T) {
	ctx := context.Background()
	client, url := newServer(t)
	upload(t, client, "rootfs", bytes.Repeat([]byte("r"), 4096))
	upload(t, client, "kernel", []byte("kernel image"))

	d, err := client.CreateDeployment(ctx, registry.CreateRequest{
		Name:      "fw-2.0",
		Selector:  registry.Selector{Controllers: []string{"device001"}},
		Artifacts: []string{"kernel", "rootfs"},
	})
	require.NoError(t, err)

	dir := t.TempDir()
	agent, err := device.NewServiceFromConfig(device.Config{
		Server:        url,
		ControllerID:  "device001",
		DownloadDir:   dir,
		AllowInsecure: true,
	})
	require.NoError(t, err)

	wait, err := agent.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, wait)

	status, ok := agent.Finished(d.ID)
	require.True(t, ok)
	assert.Equal(t, coordinator.StatusSuccess, status)

	got, err := os.ReadFile(filepath.Join(dir, d.ID, "kernel"))
	require.NoError(t, err)
	assert.Equal(t, "kernel image", string(got))
	info, err := os.Stat(filepath.Join(dir, d.ID, "rootfs"))
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.Size())

	current, err := client.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateClosedSuccess, current.State)

	history, err := client.History(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, coordinator.StatusRunning, history[0].Status)
	assert.Equal(t, coordinator.StatusSuccess, history[1].Status)

	_, err = agent.Cycle(ctx)
	require.NoError(t, err)
	history, err = client.History(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2, "idle poll reports nothing")
}

func TestAttributesSelectDeployment(t *testing.T) {
	ctx := context.Background()
	client, url := newServer(t)
	upload(t, client, "firmware", []byte("rev2 firmware"))

	d, err := client.CreateDeployment(ctx, registry.CreateRequest{
		Selector:  registry.Selector{MatchLabels: map[string]string{"hw": "rev2"}},
		Artifacts: []string{"firmware"},
	})
	require.NoError(t, err)

	agent, err := device.NewServiceFromConfig(device.Config{
		Server:        url,
		ControllerID:  "device042",
		DownloadDir:   t.TempDir(),
		Attributes:    map[string]string{"hw": "rev2"},
		AllowInsecure: true,
	})
	require.NoError(t, err)

	_, err = agent.Cycle(ctx)
	require.NoError(t, err)
	status, ok := agent.Finished(d.ID)
	require.True(t, ok)
	assert.Equal(t, coordinator.StatusSuccess, status)

	ctrl, err := client.Controller(ctx, "device042")
	require.NoError(t, err)
	assert.Equal(t, "rev2", ctrl.Attributes["hw"])
}

// fakeServer advertises a checksum that does not match the served bytes.
type fakeServer struct {
	mu       sync.Mutex
	statuses []string
	details  [][]string
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/v1/ddi/v1/controller/device/device001", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"config": map[string]any{"polling": map[string]string{"sleep": "00:00:30"}},
			"_links": map[string]any{"deploymentBase": map[string]string{"href": "/rest/v1/ddi/v1/controller/device/device001/deploymentBase/dep-1"}},
			"deploymentBase": map[string]any{
				"id":       "dep-1",
				"download": map[string]any{"links": map[string]any{"firmware": map[string]any{"href": "/files/firmware", "size": 7}}},
			},
		})
	})
	mux.HandleFunc("GET /rest/v1/ddi/v1/controller/device/device001/deploymentBase/dep-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         "dep-1",
			"deployment": map[string]any{},
			"artifacts": []map[string]any{{
				"name": "firmware", "href": "/files/firmware", "size": 7,
				"checksum": "0000000000000000000000000000000000000000000000000000000000000000",
			}},
		})
	})
	mux.HandleFunc("GET /files/firmware", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	})
	mux.HandleFunc("POST /rest/v1/ddi/v1/controller/device/device001/deploymentBase/dep-1/feedback", func(w http.ResponseWriter, r *http.Request) {
		var rep coordinator.Report
		_ = json.NewDecoder(r.Body).Decode(&rep)
		f.mu.Lock()
		f.statuses = append(f.statuses, rep.Status)
		f.details = append(f.details, rep.Details)
		f.mu.Unlock()
		state := registry.StateRunning
		if rep.Status == coordinator.StatusFailure {
			state = registry.StateClosedFailure
		}
		_ = json.NewEncoder(w).Encode(coordinator.Ack{DeploymentID: "dep-1", Status: rep.Status, State: state})
	})
	return mux
}

func TestChecksumMismatchReportsFailure(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	agent, err := device.NewServiceFromConfig(device.Config{
		Server:        srv.URL,
		ControllerID:  "device001",
		DownloadDir:   dir,
		AllowInsecure: true,
	})
	require.NoError(t, err)

	wait, err := agent.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, wait)

	status, _ := agent.Finished("dep-1")
	assert.Equal(t, coordinator.StatusFailure, status)
	assert.Equal(t, []string{coordinator.StatusRunning, coordinator.StatusFailure}, fake.statuses)
	require.Len(t, fake.details[1], 1)
	assert.Contains(t, fake.details[1][0], "checksum mismatch")

	_, err = os.Stat(filepath.Join(dir, "dep-1", "firmware"))
	assert.True(t, os.IsNotExist(err), "unverified artifact is not kept")
	entries, err := os.ReadDir(filepath.Join(dir, "dep-1"))
	require.NoError(t, err)
	assert.Empty(t, entries, "partial downloads are removed")
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"down"}`, http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	agent, err := device.NewServiceFromConfig(device.Config{Server: srv.URL, ControllerID: "device001", DownloadDir: t.TempDir(), AllowInsecure: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = agent.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfigValidation(t *testing.T) {
	_, err := device.NewServiceFromConfig(device.Config{ControllerID: "d"})
	assert.Error(t, err)
	_, err = device.NewServiceFromConfig(device.Config{Server: "http://ota.local", ControllerID: "d"})
	assert.ErrorContains(t, err, "https")
	_, err = device.NewServiceFromConfig(device.Config{Server: "https://ota.local"})
	assert.ErrorContains(t, err, "controller_id")
	_, err = device.NewServiceFromConfig(device.Config{Server: "https://ota.local", ControllerID: "d", PollInterval: "often"})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "agent.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":"https://ota.local","controller_id":"device001","poll_interval":"30s"}`), 0o600))
	cfg, err := device.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "device001", cfg.ControllerID)
	_, err = device.NewService(path)
	require.NoError(t, err)
}
