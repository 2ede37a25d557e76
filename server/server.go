// Package server exposes the payment workflow over HTTP. Handlers stay thin:
// decode, pull the principal and idempotency key, call the core, translate the
// tagged error kind to a status code exactly once.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"payflow/audit"
	"payflow/auth"
	"payflow/ledger"
	"payflow/middleware"
	"payflow/models"
	"payflow/workflow"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB        *gorm.DB
	Workflow  *workflow.Service
	Ledger    *ledger.Admin
	Verifier  *auth.Verifier
	TokenTTL  time.Duration
	RateLimit middleware.RateLimit
	Log       *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db       *gorm.DB
	core     *workflow.Service
	ledger   *ledger.Admin
	verifier *auth.Verifier
	tokenTTL time.Duration
	log      *slog.Logger

	router http.Handler
}

const maxSOADocumentBytes = 16 << 20

// New constructs a configured HTTP router with authentication and rate
// limiting applied.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 8 * time.Hour
	}
	srv := &Server{
		db:       cfg.DB,
		core:     cfg.Workflow,
		ledger:   cfg.Ledger,
		verifier: cfg.Verifier,
		tokenTTL: cfg.TokenTTL,
		log:      cfg.Log,
	}
	srv.router = srv.buildRouter(cfg.RateLimit)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(limit middleware.RateLimit) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.NewRateLimiter(limit, s.log).Middleware)

	r.Get("/healthz", s.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Post("/login", s.Login)
		v1.Group(func(api chi.Router) {
			api.Use(auth.Middleware(s.db, s.verifier))

			api.Post("/batches", s.CreateBatch)
			api.Get("/batches", s.ListBatches)
			api.Get("/batches/{id}", s.GetBatch)
			api.Post("/batches/{id}/submit", s.SubmitBatch)
			api.Post("/batches/{id}/cancel", s.CancelBatch)
			api.Post("/batches/{id}/requests", s.AddRequest)
			api.Patch("/batches/{id}/requests/{requestID}", s.UpdateRequest)

			api.Get("/requests/pending-approval", s.ListPendingApprovals)
			api.Get("/requests/{id}", s.GetRequest)
			api.Post("/requests/{id}/approve", s.ApproveRequest)
			api.Post("/requests/{id}/reject", s.RejectRequest)
			api.Post("/requests/{id}/mark-paid", s.MarkPaid)
			api.Post("/requests/{id}/soa", s.UploadSOA)
			api.Get("/requests/{id}/soa", s.ListSOAVersions)
			api.Get("/requests/{id}/soa/{version}", s.DownloadSOA)

			api.Get("/audit", s.QueryAudit)
			api.Post("/users", s.CreateUser)

			api.Route("/ledger", func(l chi.Router) {
				l.Post("/clients", s.CreateClient)
				l.Post("/sites", s.CreateSite)
				l.Get("/sites", s.ListSites)
				l.Post("/vendor-types", s.CreateVendorType)
				l.Post("/vendors", s.CreateVendor)
				l.Get("/vendors", s.ListVendors)
				l.Post("/subcontractor-scopes", s.CreateSubcontractorScope)
				l.Post("/subcontractors", s.CreateSubcontractor)
				l.Get("/subcontractors", s.ListSubcontractors)
				l.Delete("/clients/{id}", s.deactivate(models.KindClient))
				l.Delete("/sites/{id}", s.deactivate(models.KindSite))
				l.Delete("/vendor-types/{id}", s.deactivate(models.KindVendorType))
				l.Delete("/vendors/{id}", s.deactivate(models.KindVendor))
				l.Delete("/subcontractor-scopes/{id}", s.deactivate(models.KindSubcontractorScope))
				l.Delete("/subcontractors/{id}", s.deactivate(models.KindSubcontractor))
			})
		})
	})

	return r
}

// Health reports liveness.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Login exchanges credentials for a bearer token. Failures are uniform so the
// response never reveals whether the username exists.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, workflow.Validationf("invalid payload"))
		return
	}
	var user models.User
	err := s.db.WithContext(r.Context()).First(&user, "username = ?", strings.TrimSpace(req.Username)).Error
	if err != nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	token, err := s.verifier.Issue(user.ID, s.tokenTTL)
	if err != nil {
		s.writeError(w, r, workflow.Internal(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(s.tokenTTL.Seconds()),
		"role":       user.Role,
	})
}

// CreateBatch opens a new DRAFT batch.
func (s *Server) CreateBatch(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, workflow.Validationf("invalid payload"))
		return
	}
	batch, code, err := s.core.CreateBatch(r.Context(), p, req.Title, idempotencyKey(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, code, batch)
}

// ListBatches returns batches, optionally filtered by status.
func (s *Server) ListBatches(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	status := models.BatchStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	batches, err := s.core.ListBatches(r.Context(), p, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, batches)
}

// GetBatch returns one batch with its requests.
func (s *Server) GetBatch(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	batch, err := s.core.GetBatch(r.Context(), p, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, batch)
}

// SubmitBatch moves a DRAFT batch and its requests into the approval flow.
func (s *Server) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	batch, code, err := s.core.SubmitBatch(r.Context(), p, id, idempotencyKey(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, code, batch)
}

// CancelBatch cancels a DRAFT batch.
func (s *Server) CancelBatch(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	batch, code, err := s.core.CancelBatch(r.Context(), p, id, idempotencyKey(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, code, batch)
}

// AddRequest inserts a request into a DRAFT batch.
func (s *Server) AddRequest(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	batchID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var in workflow.RequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, workflow.Validationf("invalid payload"))
		return
	}
	req, code, err := s.core.AddRequest(r.Context(), p, batchID, in, idempotencyKey(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, code, req)
}

// UpdateRequest patches a DRAFT request.
func (s *Server) UpdateRequest(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	batchID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	requestID, ok := s.pathID(w, r, "requestID")
	if !ok {
		return
	}
	var in workflow.RequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, workflow.Validationf("invalid payload"))
		return
	}
	req, code, err := s.core.UpdateRequest(r.Context(), p, batchID, requestID, in, idempotencyKey(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, code, req)
}

// GetRequest returns one request with its approval and attachments.
func (s *Server) GetRequest(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	req, err := s.core.GetRequest(r.Context(), p, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

// ListPendingApprovals returns the approval queue.
func (s *Server) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	requests, err := s.core.ListPendingApprovals(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, requests)
}

type decisionBody struct {
	Comment string `json:"comment"`
}

// ApproveRequest records an APPROVED decision.
func (s *Server) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.core.ApproveRequest)
}

// RejectRequest records a REJECTED decision.
func (s *Server) RejectRequest(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.core.RejectRequest)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, p workflow.Principal, id uuid.UUID, comment, key string) (*models.PaymentRequest, int, error)) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var body decisionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, workflow.Validationf("invalid payload"))
		return
	}
	req, code, err := fn(r.Context(), p, id, body.Comment, idempotencyKey(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, code, req)
}

// MarkPaid records payment on an APPROVED request.
func (s *Server) MarkPaid(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	req, code, err := s.core.MarkPaid(r.Context(), p, id, idempotencyKey(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, code, req)
}

// UploadSOA attaches a new statement version; the body is the raw document.
func (s *Server) UploadSOA(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	document, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSOADocumentBytes))
	if err != nil {
		s.writeError(w, r, workflow.Validationf("document exceeds the size limit"))
		return
	}
	soa, code, err := s.core.UploadSOA(r.Context(), p, id, document, idempotencyKey(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, code, soa)
}

// ListSOAVersions returns all attachment versions of a request.
func (s *Server) ListSOAVersions(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	versions, err := s.core.ListSOAVersions(r.Context(), p, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, versions)
}

// DownloadSOA streams one attachment's bytes.
func (s *Server) DownloadSOA(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version <= 0 {
		s.writeError(w, r, workflow.Validationf("invalid version number"))
		return
	}
	document, soa, err := s.core.DownloadSOA(r.Context(), p, id, version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-SOA-Version", strconv.Itoa(soa.VersionNumber))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(document)
}

// QueryAudit returns matching audit rows, newest first.
func (s *Server) QueryAudit(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	if err := workflow.Authorize(p, workflow.CapRead, nil); err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := auditFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rows, err := audit.Query(s.db.WithContext(r.Context()), f)
	if err != nil {
		s.writeError(w, r, workflow.Validationf("%s", err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func auditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{EntityKind: strings.ToUpper(strings.TrimSpace(q.Get("entity_kind")))}
	if v := q.Get("entity_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, workflow.Validationf("invalid entity_id")
		}
		f.EntityID = &id
	}
	if v := q.Get("actor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, workflow.Validationf("invalid actor_id")
		}
		f.ActorID = &id
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, workflow.Validationf("invalid from timestamp")
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, workflow.Validationf("invalid to timestamp")
		}
		f.To = &t
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Offset = n
		}
	}
	return f, nil
}

// CreateUser provisions a non-ADMIN account.
func (s *Server) CreateUser(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
		Role        string `json:"role"`
		Password    string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, workflow.Validationf("invalid payload"))
		return
	}
	user, err := s.core.CreateUser(r.Context(), p, req.Username, req.DisplayName, req.Role, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	user.PasswordHash = ""
	s.writeJSON(w, http.StatusCreated, user)
}

func (s *Server) principal(w http.ResponseWriter, r *http.Request) (workflow.Principal, bool) {
	p, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return workflow.Principal{}, false
	}
	return p, true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		s.writeError(w, r, workflow.Validationf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) parseID(w http.ResponseWriter, r *http.Request, value, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(value)
	if err != nil {
		s.writeError(w, r, workflow.Validationf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError is the single place workflow error kinds become status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	werr := workflow.AsError(err)
	status := http.StatusInternalServerError
	switch werr.Kind {
	case workflow.KindValidation:
		status = http.StatusBadRequest
	case workflow.KindInvalidState, workflow.KindConflict:
		status = http.StatusConflict
	case workflow.KindNotFound:
		status = http.StatusNotFound
	case workflow.KindForbidden:
		status = http.StatusForbidden
	case workflow.KindPreconditionFailed:
		status = http.StatusPreconditionFailed
	}
	message := werr.Message
	if werr.Kind == workflow.KindInternal {
		s.log.ErrorContext(r.Context(), "request failed",
			"request_id", chimw.GetReqID(r.Context()),
			"path", r.URL.Path,
			"err", werr,
		)
		message = "internal error"
	}
	s.writeJSON(w, status, map[string]any{"error": map[string]any{
		"kind":    werr.Kind,
		"message": message,
		"details": werr.Details,
	}})
}
