package ddi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"otad/pkg/errdefs"
)

const maxJSONBody = 1 << 20

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return fmt.Errorf("%w: request body required", errdefs.ErrValidation)
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrValidation, err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondErr maps err onto its HTTP status.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := errdefs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	}
	respondError(w, status, err)
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}

// absolute prefixes path with the public base URL when one is configured.
func (s *Server) absolute(path string) string {
	if s.publicURL == "" {
		return path
	}
	return s.publicURL + "/" + strings.TrimLeft(path, "/")
}

// formatSleep renders d as the DDI "HH:MM:SS" polling sleep.
func formatSleep(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}
