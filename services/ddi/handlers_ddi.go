package ddi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"otad/pkg/errdefs"
	"otad/services/coordinator"
)

type link struct {
	Href string `json:"href"`
}

type pollResponse struct {
	Config pollConfig      `json:"config"`
	Links  map[string]link `json:"_links,omitempty"`
	Base   *legacyBase     `json:"deploymentBase,omitempty"`
}

type pollConfig struct {
	Polling struct {
		Sleep string `json:"sleep"`
	} `json:"polling"`
}

// legacyBase is the inline deployment shape early controllers parse
// straight out of the poll response.
type legacyBase struct {
	ID       string `json:"id"`
	Download struct {
		Links map[string]legacyLink `json:"links"`
	} `json:"download"`
}

type legacyLink struct {
	Href string `json:"href"`
	Size int64  `json:"size"`
}

type deploymentBaseResponse struct {
	ID         string                           `json:"id"`
	Deployment deploymentSpec                   `json:"deployment"`
	Artifacts  []coordinator.DescriptorArtifact `json:"artifacts"`
}

type deploymentSpec struct {
	Download string  `json:"download"`
	Update   string  `json:"update"`
	Chunks   []chunk `json:"chunks"`
}

type chunk struct {
	Part      string          `json:"part"`
	Name      string          `json:"name"`
	Artifacts []chunkArtifact `json:"artifacts"`
}

type chunkArtifact struct {
	Filename string            `json:"filename"`
	Size     int64             `json:"size"`
	Hashes   map[string]string `json:"hashes"`
	Links    map[string]link   `json:"_links"`
}

func deploymentBasePath(controllerID, deploymentID string) string {
	return "/rest/v1/ddi/v1/controller/device/" + url.PathEscape(controllerID) + "/deploymentBase/" + url.PathEscape(deploymentID)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	controllerID := chi.URLParam(r, "controllerId")

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := s.sessions.RecordPoll(ctx, controllerID, s.now()); err != nil {
		s.logger.Warn().Err(err).Str("controller_id", controllerID).Msg("record poll")
	}
	hint, err := s.sessions.SuggestedBackoff(ctx, controllerID)
	if err != nil {
		s.logger.Warn().Err(err).Str("controller_id", controllerID).Msg("suggest backoff")
	}
	s.metrics.Backoff(hint.Seconds())

	desc, err := s.engine.PollFor(ctx, controllerID, nil)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if desc == nil && r.URL.Query().Get("format") == "min" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var resp pollResponse
	resp.Config.Polling.Sleep = formatSleep(hint)
	if desc != nil {
		resp.Links = map[string]link{
			"deploymentBase": {Href: s.absolute(deploymentBasePath(controllerID, desc.ID))},
		}
		base := &legacyBase{ID: desc.ID}
		base.Download.Links = make(map[string]legacyLink, len(desc.Artifacts))
		for _, a := range desc.Artifacts {
			base.Download.Links[a.Name] = legacyLink{Href: a.Href, Size: a.Size}
		}
		resp.Base = base
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeploymentBase(w http.ResponseWriter, r *http.Request) {
	controllerID := chi.URLParam(r, "controllerId")
	deploymentID := chi.URLParam(r, "deploymentId")

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	desc, err := s.engine.Describe(ctx, controllerID, deploymentID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	name := desc.Name
	if name == "" {
		name = desc.ID
	}
	c := chunk{Part: "os", Name: name, Artifacts: make([]chunkArtifact, 0, len(desc.Artifacts))}
	for _, a := range desc.Artifacts {
		c.Artifacts = append(c.Artifacts, chunkArtifact{
			Filename: a.Name,
			Size:     a.Size,
			Hashes:   map[string]string{"sha256": a.SHA256},
			Links:    map[string]link{"download": {Href: a.Href}},
		})
	}
	respondJSON(w, http.StatusOK, deploymentBaseResponse{
		ID:         desc.ID,
		Deployment: deploymentSpec{Download: "forced", Update: "forced", Chunks: []chunk{c}},
		Artifacts:  desc.Artifacts,
	})
}

type feedbackRequest struct {
	ID      string         `json:"id"`
	Time    string         `json:"time"`
	Status  feedbackStatus `json:"status"`
	Details []string       `json:"details"`
}

// feedbackStatus accepts either a bare status string or the structured
// hawkBit form {execution, result: {finished}, details}.
type feedbackStatus struct {
	value   string
	details []string
}

func (f *feedbackStatus) UnmarshalJSON(b []byte) error {
	var plain string
	if err := json.Unmarshal(b, &plain); err == nil {
		f.value = plain
		return nil
	}
	var nested struct {
		Execution string `json:"execution"`
		Result    struct {
			Finished string `json:"finished"`
		} `json:"result"`
		Details []string `json:"details"`
	}
	if err := json.Unmarshal(b, &nested); err != nil {
		return fmt.Errorf("status must be a string or an object: %w", err)
	}
	f.details = nested.Details

	switch strings.ToLower(nested.Execution) {
	case "closed":
		switch strings.ToLower(nested.Result.Finished) {
		case "success":
			f.value = coordinator.StatusSuccess
		case "failure":
			f.value = coordinator.StatusFailure
		default:
			f.value = "closed/" + nested.Result.Finished
		}
	case "proceeding", "scheduled", "resumed", "download", "downloaded":
		f.value = coordinator.StatusRunning
	case "rejected", "canceled":
		f.value = coordinator.StatusFailure
	default:
		f.value = nested.Execution
	}
	return nil
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	controllerID := chi.URLParam(r, "controllerId")
	deploymentID := chi.URLParam(r, "deploymentId")

	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	ack, err := s.engine.Ingest(ctx, controllerID, deploymentID, coordinator.Report{
		ID:      req.ID,
		Time:    req.Time,
		Status:  req.Status.value,
		Details: append(req.Details, req.Status.details...),
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ack)
}

func (s *Server) handleConfigData(w http.ResponseWriter, r *http.Request) {
	controllerID := chi.URLParam(r, "controllerId")

	var req struct {
		Data map[string]string `json:"data"`
		Mode string            `json:"mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	attrs := req.Data
	switch strings.ToLower(req.Mode) {
	case "", "replace":
	case "merge":
		current, err := s.engine.Controller(ctx, controllerID)
		if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			s.respondErr(w, r, err)
			return
		}
		merged := maps.Clone(current.Attributes)
		if merged == nil {
			merged = map[string]string{}
		}
		maps.Copy(merged, req.Data)
		attrs = merged
	default:
		respondError(w, http.StatusBadRequest, fmt.Errorf("unsupported mode %q", req.Mode))
		return
	}

	ctrl, err := s.engine.SetAttributes(ctx, controllerID, attrs)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ctrl)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	locator, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || locator == "" {
		respondError(w, http.StatusNotFound, fmt.Errorf("unknown artifact %q", chi.URLParam(r, "*")))
		return
	}

	rc, art, err := s.store.Open(r.Context(), locator)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	defer rc.Close()

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.FormatInt(art.Size, 10))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": art.Name}))
	h.Set("X-Checksum-Sha256", art.SHA256)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn().Err(err).Str("locator", locator).Msg("artifact download interrupted")
	}
}
