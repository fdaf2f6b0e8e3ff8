package ddi_test

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otad/pkg/errdefs"
	"otad/services/coordinator"
	"otad/services/ddi"
	"otad/services/ddi/ddiclient"
	"otad/services/registry"
)

func newApp(t *testing.T, env map[string]string) (*ddi.App, *ddiclient.Client, *httptest.Server) {
	t.Helper()
	return newLoggedApp(t, env, zerolog.Nop())
}

func newLoggedApp(t *testing.T, env map[string]string, logger zerolog.Logger) (*ddi.App, *ddiclient.Client, *httptest.Server) {
	t.Helper()
	cfg, err := ddi.LoadWith(context.Background(), envconfig.MapLookuper(env))
	require.NoError(t, err)

	app, err := ddi.Build(context.Background(), cfg, logger, ddi.BuildOptions{})
	require.NoError(t, err)
	t.Cleanup(app.Close)

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)

	client, err := ddiclient.New(srv.URL)
	require.NoError(t, err)
	return app, client, srv
}

func firmware(size int) ([]byte, string) {
	data := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(data)
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:])
}

func TestDeviceUpdateRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, client, _ := newApp(t, nil)

	data, sum := firmware(1048576)
	art, err := client.UploadArtifact(ctx, "firmware", bytes.NewReader(data), sum)
	require.NoError(t, err)
	assert.Equal(t, int64(1048576), art.Size)
	assert.Equal(t, sum, art.SHA256)

	d, err := client.CreateDeployment(ctx, registry.CreateRequest{
		Name:      "fw-1.0",
		Selector:  registry.Selector{Controllers: []string{"device001"}},
		Artifacts: []string{"firmware"},
	})
	require.NoError(t, err)
	assert.Equal(t, registry.StatePending, d.State)

	poll, err := client.Poll(ctx, "device001")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, poll.Sleep)
	assert.Equal(t, d.ID, poll.DeploymentID)
	assert.True(t, strings.HasSuffix(poll.DeploymentHref, "/controller/device/device001/deploymentBase/"+d.ID))
	require.Contains(t, poll.Links, "firmware")
	assert.Equal(t, int64(1048576), poll.Links["firmware"].Size)

	again, err := client.Poll(ctx, "device001")
	require.NoError(t, err)
	assert.Equal(t, poll.DeploymentID, again.DeploymentID, "re-poll returns the same deployment")
	assert.Equal(t, poll.Links, again.Links)

	base, err := client.Deployment(ctx, "device001", d.ID)
	require.NoError(t, err)
	require.Len(t, base.Artifacts, 1)
	assert.Equal(t, sum, base.Artifacts[0].SHA256)
	assert.Contains(t, string(base.Deployment), `"chunks"`)

	var buf bytes.Buffer
	n, advertised, err := client.Download(ctx, base.Artifacts[0].Href, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(1048576), n)
	assert.Equal(t, sum, advertised)
	got := sha256.Sum256(buf.Bytes())
	assert.Equal(t, sum, hex.EncodeToString(got[:]))

	ack, err := client.Feedback(ctx, "device001", d.ID, coordinator.Report{Status: "running", Time: time.Now().UTC().Format(time.RFC3339)})
	require.NoError(t, err)
	assert.Equal(t, registry.StateRunning, ack.State)

	ack, err = client.Feedback(ctx, "device001", d.ID, coordinator.Report{Status: "SUCCESS", Details: []string{"flashed"}})
	require.NoError(t, err)
	assert.Equal(t, registry.StateClosedSuccess, ack.State)
	assert.Equal(t, "SUCCESS", ack.Status)

	idle, err := client.Poll(ctx, "device001")
	require.NoError(t, err)
	assert.Empty(t, idle.DeploymentID)

	history, err := client.History(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, []string{"flashed"}, history[1].Details)

	audit, err := client.Audit(ctx, d.ID)
	require.NoError(t, err)
	var transitions []string
	for _, rec := range audit {
		if rec.Action == registry.ActionTransition {
			transitions = append(transitions, rec.To)
		}
	}
	assert.Equal(t, []string{"ASSIGNED", "RUNNING", "CLOSED_SUCCESS"}, transitions)

	byName, err := client.FindDeployment(ctx, "fw-1.0")
	require.NoError(t, err)
	assert.Equal(t, registry.StateClosedSuccess, byName.State)

	ctrl, err := client.Controller(ctx, "device001")
	require.NoError(t, err)
	assert.Empty(t, ctrl.Assigned)
}

func TestFeedbackErrorsMapToStatus(t *testing.T) {
	ctx := context.Background()
	_, client, _ := newApp(t, nil)

	data, _ := firmware(128)
	_, err := client.UploadArtifact(ctx, "firmware", bytes.NewReader(data), "")
	require.NoError(t, err)
	d, err := client.CreateDeployment(ctx, registry.CreateRequest{
		Selector:  registry.Selector{Controllers: []string{"device001"}},
		Artifacts: []string{"firmware"},
	})
	require.NoError(t, err)
	_, err = client.Poll(ctx, "device001")
	require.NoError(t, err)

	_, err = client.Feedback(ctx, "device002", d.ID, coordinator.Report{Status: "SUCCESS"})
	assert.ErrorIs(t, err, errdefs.ErrInvalidTransition)

	_, err = client.Feedback(ctx, "device001", "no-such-deployment", coordinator.Report{Status: "SUCCESS"})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	_, err = client.Feedback(ctx, "device001", d.ID, coordinator.Report{Status: "EXPLODED"})
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	current, err := client.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateAssigned, current.State)

	_, err = client.CreateDeployment(ctx, registry.CreateRequest{
		Selector:  registry.Selector{All: true},
		Artifacts: []string{"missing"},
	})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	_, err = client.UploadArtifact(ctx, "firmware", strings.NewReader("different"), "")
	assert.ErrorIs(t, err, errdefs.ErrAlreadyExists)

	_, err = client.UploadArtifact(ctx, "other", strings.NewReader("abc"), strings.Repeat("0", 64))
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestLabelSelectorViaConfigData(t *testing.T) {
	ctx := context.Background()
	_, client, _ := newApp(t, nil)

	_, err := client.UploadArtifact(ctx, "firmware", strings.NewReader("fw"), "")
	require.NoError(t, err)
	d, err := client.CreateDeployment(ctx, registry.CreateRequest{
		Selector:  registry.Selector{MatchLabels: map[string]string{"hw": "rev2"}},
		Artifacts: []string{"firmware"},
	})
	require.NoError(t, err)

	poll, err := client.Poll(ctx, "device007")
	require.NoError(t, err)
	assert.Empty(t, poll.DeploymentID)

	ctrl, err := client.ConfigData(ctx, "device007", map[string]string{"hw": "rev2"})
	require.NoError(t, err)
	assert.Equal(t, "rev2", ctrl.Attributes["hw"])

	poll, err = client.Poll(ctx, "device007")
	require.NoError(t, err)
	assert.Equal(t, d.ID, poll.DeploymentID)
}

func TestStructuredFeedbackStatus(t *testing.T) {
	ctx := context.Background()
	_, client, srv := newApp(t, nil)

	_, err := client.UploadArtifact(ctx, "firmware", strings.NewReader("fw"), "")
	require.NoError(t, err)
	d, err := client.CreateDeployment(ctx, registry.CreateRequest{
		Selector:  registry.Selector{Controllers: []string{"device001"}},
		Artifacts: []string{"firmware"},
	})
	require.NoError(t, err)
	_, err = client.Poll(ctx, "device001")
	require.NoError(t, err)

	body := `{"id":"` + d.ID + `","time":"20240601T120000","status":{"execution":"closed","result":{"finished":"failure"},"details":["checksum mismatch"]}}`
	resp, err := http.Post(srv.URL+"/rest/v1/ddi/v1/controller/device/device001/deploymentBase/"+d.ID, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	current, err := client.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateClosedFailure, current.State)

	history, err := client.History(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, []string{"checksum mismatch"}, history[0].Details)
}

func TestHTTPSurface(t *testing.T) {
	_, _, srv := newApp(t, map[string]string{"POLL_RATE_LIMIT": "3"})

	get := func(path string) *http.Response {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusOK, get("/").StatusCode)
	assert.Equal(t, http.StatusOK, get("/healthz").StatusCode)
	assert.Equal(t, http.StatusOK, get("/readyz").StatusCode)
	assert.Equal(t, http.StatusNotFound, get("/rest/v1/ddi/v1/artifacts/artifacts/nope/firmware").StatusCode)
	assert.Equal(t, http.StatusNotFound, get("/v1/deployments/unknown").StatusCode)
	assert.Equal(t, http.StatusBadRequest, get("/v1/deployments").StatusCode)

	assert.Equal(t, http.StatusNoContent, get("/rest/v1/ddi/v1/controller/device/quiet?format=min").StatusCode)
	assert.Equal(t, http.StatusOK, get("/rest/v1/ddi/v1/controller/device/quiet").StatusCode)
	assert.Equal(t, http.StatusOK, get("/rest/v1/ddi/v1/controller/device/quiet").StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, get("/rest/v1/ddi/v1/controller/device/quiet").StatusCode)
	assert.Equal(t, http.StatusOK, get("/rest/v1/ddi/v1/controller/device/other").StatusCode, "limit is per controller")

	metrics := get("/metrics")
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(metrics.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `otad_polls_total{result="idle"}`)
}

func TestDownloadHeaders(t *testing.T) {
	ctx := context.Background()
	_, client, srv := newApp(t, nil)

	art, err := client.UploadArtifact(ctx, "firmware.bin", strings.NewReader("0123456789"), "")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + ddi.DownloadPath(art.Locator))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "10", resp.Header.Get("Content-Length"))
	assert.Equal(t, art.SHA256, resp.Header.Get("X-Checksum-Sha256"))
	assert.Equal(t, "attachment; filename=firmware.bin", resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestPublicURLMakesLinksAbsolute(t *testing.T) {
	ctx := context.Background()
	_, client, _ := newApp(t, map[string]string{"PUBLIC_URL": "https://updates.example.com/"})

	_, err := client.UploadArtifact(ctx, "firmware", strings.NewReader("fw"), "")
	require.NoError(t, err)
	d, err := client.CreateDeployment(ctx, registry.CreateRequest{
		Selector:  registry.Selector{All: true},
		Artifacts: []string{"firmware"},
	})
	require.NoError(t, err)

	poll, err := client.Poll(ctx, "device001")
	require.NoError(t, err)
	assert.Equal(t, "https://updates.example.com/rest/v1/ddi/v1/controller/device/device001/deploymentBase/"+d.ID, poll.DeploymentHref)
	assert.True(t, strings.HasPrefix(poll.Links["firmware"].Href, "https://updates.example.com/rest/v1/ddi/v1/artifacts/"))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) messages(t *testing.T) map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := map[string]int{}
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		if msg, ok := line["message"].(string); ok {
			counts[msg]++
		}
	}
	return counts
}

func TestEventsAreLoggedOnce(t *testing.T) {
	ctx := context.Background()
	out := &lockedBuffer{}
	_, client, _ := newLoggedApp(t, nil, zerolog.New(out))

	data, sum := firmware(1024)
	_, err := client.UploadArtifact(ctx, "firmware", bytes.NewReader(data), sum)
	require.NoError(t, err)
	d, err := client.CreateDeployment(ctx, registry.CreateRequest{
		Selector:  registry.Selector{Controllers: []string{"device001"}},
		Artifacts: []string{"firmware"},
	})
	require.NoError(t, err)
	_, err = client.Poll(ctx, "device001")
	require.NoError(t, err)
	_, err = client.Feedback(ctx, "device001", d.ID, coordinator.Report{Status: "RUNNING"})
	require.NoError(t, err)
	_, err = client.Feedback(ctx, "device001", d.ID, coordinator.Report{Status: "SUCCESS"})
	require.NoError(t, err)

	counts := out.messages(t)
	assert.Equal(t, 1, counts["artifact stored"])
	assert.Equal(t, 3, counts["deployment transition"])
}
