package ddi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otad/services/artifacts"
	"otad/services/coordinator"
	"otad/services/registry"
	"otad/services/session"
)

func TestFormatSleep(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00:00"},
		{10 * time.Second, "00:00:10"},
		{5 * time.Minute, "00:05:00"},
		{90*time.Minute + 1500*time.Millisecond, "01:30:02"},
		{-time.Second, "00:00:00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSleep(tt.in), tt.in.String())
	}
}

func TestFeedbackStatusForms(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		details []string
	}{
		{"plain", `"SUCCESS"`, "SUCCESS", nil},
		{"closed success", `{"execution":"closed","result":{"finished":"success"}}`, "SUCCESS", nil},
		{"closed failure", `{"execution":"closed","result":{"finished":"failure"},"details":["boom"]}`, "FAILURE", []string{"boom"}},
		{"proceeding", `{"execution":"proceeding"}`, "RUNNING", nil},
		{"downloaded", `{"execution":"downloaded"}`, "RUNNING", nil},
		{"rejected", `{"execution":"rejected"}`, "FAILURE", nil},
		{"closed none", `{"execution":"closed","result":{"finished":"none"}}`, "closed/none", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s feedbackStatus
			require.NoError(t, json.Unmarshal([]byte(tt.body), &s))
			assert.Equal(t, tt.want, s.value)
			assert.Equal(t, tt.details, s.details)
		})
	}

	var s feedbackStatus
	assert.Error(t, json.Unmarshal([]byte(`42`), &s))
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{
		"PUBLIC_URL": "http://ota.local:8080/",
	}))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "http://ota.local:8080", cfg.PublicURL)
	assert.Equal(t, BackendMemory, cfg.ArtifactBackend)
	assert.Equal(t, 30*time.Minute, cfg.AssignmentExpiry)
	assert.Equal(t, uint(4), cfg.StorageMaxAttempts)
	assert.Equal(t, time.Minute, cfg.RequestTimeout)
	assert.Equal(t, time.Hour, cfg.TransferTimeout)

	p := cfg.SessionPolicy()
	assert.Equal(t, 10*time.Second, p.Base)
	assert.Equal(t, 2*time.Second, p.MinInterval)
	assert.Equal(t, 5*time.Minute, p.Max)
}

func TestLoadWithRejectsBadCombinations(t *testing.T) {
	tests := map[string]map[string]string{
		"unknown backend":    {"ARTIFACT_BACKEND": "tape"},
		"s3 without bucket":  {"ARTIFACT_BACKEND": "s3"},
		"presign without s3": {"ARTIFACT_PRESIGN": "true"},
		"zero attempts":      {"STORAGE_MAX_ATTEMPTS": "0"},
		"malformed duration": {"REAP_INTERVAL": "soon"},
		"zero timeout":       {"REQUEST_TIMEOUT": "0s"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadWith(context.Background(), envconfig.MapLookuper(env))
			assert.Error(t, err)
		})
	}

	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{
		"ARTIFACT_BACKEND": "S3",
		"S3_BUCKET":        "firmware",
		"ARTIFACT_PRESIGN": "true",
	}))
	require.NoError(t, err)
	assert.Equal(t, BackendS3, cfg.ArtifactBackend)
}

type fakePresigner struct {
	url string
	err error
}

func (f fakePresigner) PresignGet(context.Context, string, time.Duration) (string, error) {
	return f.url, f.err
}

func TestLinker(t *testing.T) {
	ctx := context.Background()
	art := artifacts.Artifact{Name: "fw", Locator: "artifacts/1234/fw"}

	href, err := NewLinker("", nil, 0).Link(ctx, "device001", art)
	require.NoError(t, err)
	assert.Equal(t, "/rest/v1/ddi/v1/artifacts/artifacts/1234/fw", href)

	href, err = NewLinker("https://ota.example/", nil, 0).Link(ctx, "device001", art)
	require.NoError(t, err)
	assert.Equal(t, "https://ota.example/rest/v1/ddi/v1/artifacts/artifacts/1234/fw", href)

	href, err = NewLinker("https://ota.example", fakePresigner{url: "https://bucket/signed"}, time.Minute).Link(ctx, "device001", art)
	require.NoError(t, err)
	assert.Equal(t, "https://bucket/signed", href)

	href, err = NewLinker("", fakePresigner{err: artifacts.ErrPresignUnsupported}, 0).Link(ctx, "device001", art)
	require.NoError(t, err)
	assert.Equal(t, "/rest/v1/ddi/v1/artifacts/artifacts/1234/fw", href)

	_, err = NewLinker("", fakePresigner{err: errors.New("denied")}, 0).Link(ctx, "device001", art)
	assert.Error(t, err)
}

// slowBlobs delays the first read of every blob and fails it if the
// request context ended in the meantime, as a remote object stream does.
type slowBlobs struct {
	artifacts.Blobs
	delay time.Duration
}

func (s slowBlobs) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	rc, err := s.Blobs.Open(ctx, locator)
	if err != nil {
		return nil, err
	}
	return &slowReader{ReadCloser: rc, ctx: ctx, delay: s.delay}, nil
}

type slowReader struct {
	io.ReadCloser
	ctx     context.Context
	delay   time.Duration
	started bool
}

func (r *slowReader) Read(p []byte) (int, error) {
	if !r.started {
		r.started = true
		time.Sleep(r.delay)
	}
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.ReadCloser.Read(p)
}

func TestDownloadOutlivesRequestTimeout(t *testing.T) {
	ctx := context.Background()
	store, err := artifacts.NewStore(slowBlobs{Blobs: artifacts.NewMemoryBlobs(), delay: 150 * time.Millisecond}, artifacts.NewMemoryIndex())
	require.NoError(t, err)
	payload := bytes.Repeat([]byte("fw"), 4096)
	art, err := store.Put(ctx, "firmware", bytes.NewReader(payload), "")
	require.NoError(t, err)

	reg, err := registry.New(registry.NewMemoryRepository(), registry.NewMemoryAuditLog(), store)
	require.NoError(t, err)
	engine, err := coordinator.NewEngine(reg, coordinator.NewMemoryControllers(), coordinator.NewMemoryHistory(), store, NewLinker("", nil, 0))
	require.NoError(t, err)

	srv, err := New(Deps{
		Engine:   engine,
		Registry: reg,
		Store:    store,
		Sessions: session.NewMemoryTracker(session.DefaultPolicy()),
	}, Options{RequestTimeout: 50 * time.Millisecond, TransferTimeout: time.Minute})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/rest/v1/ddi/v1/artifacts/" + art.Locator)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, body)
}
