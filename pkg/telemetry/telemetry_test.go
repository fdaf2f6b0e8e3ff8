package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("ddi-server", "debug", &buf)
	require.NoError(t, err)

	logger.Debug().Str("controller_id", "device001").Msg("poll")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ddi-server", entry["service"])
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "poll", entry["message"])
	assert.Equal(t, "device001", entry["controller_id"])
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, err := NewLogger("svc", "loud", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestRequestLoggerRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("svc", "info", &buf)
	require.NoError(t, err)

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/rest/v1/ddi/v1/controller/device/d1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, float64(http.StatusNoContent), entry["status"])
	assert.Equal(t, "/rest/v1/ddi/v1/controller/device/d1", entry["path"])
}

func TestInitWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	shutdown, middleware, _, err := Init(context.Background(), "svc", Options{Output: &bytes.Buffer{}})
	require.NoError(t, err)
	require.NotNil(t, middleware)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitRequiresServiceName(t *testing.T) {
	_, _, _, err := Init(context.Background(), "", Options{})
	assert.Error(t, err)
}
