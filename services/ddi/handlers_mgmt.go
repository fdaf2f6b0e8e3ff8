package ddi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"otad/services/coordinator"
	"otad/services/registry"
)

func (s *Server) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if r.Body == nil {
		respondError(w, http.StatusBadRequest, errors.New("request body required"))
		return
	}
	defer r.Body.Close()

	art, err := s.store.Put(r.Context(), name, r.Body, strings.TrimSpace(r.Header.Get("X-Checksum-Sha256")))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, art)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	art, err := s.store.Stat(ctx, chi.URLParam(r, "name"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, art)
}

func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	d, err := s.registry.Create(ctx, req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, d)
}

func (s *Server) handleFindDeployment(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		respondError(w, http.StatusBadRequest, errors.New("name query parameter is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	d, err := s.registry.GetByName(ctx, name)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	d, err := s.registry.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	reports, err := s.engine.History(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if reports == nil {
		reports = []coordinator.StatusReport{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	records, err := s.registry.Audit(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if records == nil {
		records = []registry.AuditRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleGetController(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	c, err := s.engine.Controller(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}
