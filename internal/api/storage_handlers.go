package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/servals/serval-mesh/internal/storage"
)

// handleListManifests lists stored manifest names.
func (s *Server) handleListManifests(w http.ResponseWriter, _ *http.Request) {
	names, err := s.store.ListManifests()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ManifestListResponse{Manifests: names})
}

// handleStoreManifest stores a manifest; the name comes from the
// manifest body itself. Responds with the integrity digest.
func (s *Server) handleStoreManifest(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.respondBodyError(w, err)
		return
	}
	name, digest, err := s.store.PutManifest(data)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, StoreResponse{Name: name, Integrity: digest})
}

// handleGetManifest returns the raw manifest bytes.
func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	data, err := s.store.GetManifest(r.PathValue("name"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}

// handleHasManifest answers existence without a body.
func (s *Server) handleHasManifest(w http.ResponseWriter, r *http.Request) {
	if !s.store.HasManifest(r.PathValue("name")) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleStoreExecutable stores a versioned executable blob and responds
// with the integrity digest of the uploaded bytes.
func (s *Server) handleStoreExecutable(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	version := r.PathValue("version")
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.respondBodyError(w, err)
		return
	}
	digest, err := s.store.PutExecutable(name, version, data)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, StoreResponse{Name: name, Integrity: digest})
}

// handleGetExecutable streams the stored executable bytes.
func (s *Server) handleGetExecutable(w http.ResponseWriter, r *http.Request) {
	data, err := s.store.GetExecutable(r.PathValue("name"), r.PathValue("version"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
