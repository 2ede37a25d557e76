package server

import (
	"encoding/json"
	"net/http"

	"payflow/workflow"
)

// Ledger reference data is managed by ADMIN principals only; the gate lives in
// the ledger service, these handlers just decode and forward.

// CreateClient inserts a client.
func (s *Server) CreateClient(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, workflow.Validationf("invalid payload"))
		return
	}
	row, err := s.ledger.CreateClient(r.Context(), p, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, row)
}

// CreateSite inserts a site under a client.
func (s *Server) CreateSite(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		ClientID string `json:"client_id"`
		Code     string `json:"code"`
		Name     string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, workflow.Validationf("invalid payload"))
		return
	}
	clientID, ok := s.parseID(w, r, req.ClientID, "client_id")
	if !ok {
		return
	}
	row, err := s.ledger.CreateSite(r.Context(), p, clientID, req.Code, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, row)
}

// ListSites lists sites; pass active=true for active ones only.
func (s *Server) ListSites(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.principal(w, r); !ok {
		return
	}
	rows, err := s.ledger.Sites(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// CreateVendorType inserts a vendor type.
func (s *Server) CreateVendorType(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, workflow.Validationf("invalid payload"))
		return
	}
	row, err := s.ledger.CreateVendorType(r.Context(), p, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, row)
}

// CreateVendor inserts a vendor under a vendor type.
func (s *Server) CreateVendor(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		VendorTypeID string `json:"vendor_type_id"`
		Name         string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, workflow.Validationf("invalid payload"))
		return
	}
	typeID, ok := s.parseID(w, r, req.VendorTypeID, "vendor_type_id")
	if !ok {
		return
	}
	row, err := s.ledger.CreateVendor(r.Context(), p, typeID, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, row)
}

// ListVendors lists vendors; pass active=true for active ones only.
func (s *Server) ListVendors(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.principal(w, r); !ok {
		return
	}
	rows, err := s.ledger.Vendors(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// CreateSubcontractorScope inserts a subcontractor scope.
func (s *Server) CreateSubcontractorScope(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, workflow.Validationf("invalid payload"))
		return
	}
	row, err := s.ledger.CreateSubcontractorScope(r.Context(), p, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, row)
}

// CreateSubcontractor inserts a subcontractor under a scope.
func (s *Server) CreateSubcontractor(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		ScopeID string `json:"scope_id"`
		Name    string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, workflow.Validationf("invalid payload"))
		return
	}
	scopeID, ok := s.parseID(w, r, req.ScopeID, "scope_id")
	if !ok {
		return
	}
	row, err := s.ledger.CreateSubcontractor(r.Context(), p, scopeID, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, row)
}

// ListSubcontractors lists subcontractors; pass active=true for active ones
// only.
func (s *Server) ListSubcontractors(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.principal(w, r); !ok {
		return
	}
	rows, err := s.ledger.Subcontractors(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// deactivate builds the DELETE handler for one ledger kind. Rows are never
// removed; is_active flips off and existing requests keep their snapshots.
func (s *Server) deactivate(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.principal(w, r)
		if !ok {
			return
		}
		id, ok := s.pathID(w, r, "id")
		if !ok {
			return
		}
		if err := s.ledger.Deactivate(r.Context(), p, kind, id); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_active": false})
	}
}
