// Package api exposes the HTTP surface: transfer lifecycle endpoints for
// anyone holding a public code, plus a token-gated admin view. Handlers
// stay thin; every decision lives in the engine.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/droppointhq/droppoint/internal/apperr"
	"github.com/droppointhq/droppoint/internal/auth"
	"github.com/droppointhq/droppoint/internal/config"
	"github.com/droppointhq/droppoint/internal/model"
)

// TransferService is the engine contract the handlers call.
type TransferService interface {
	Create(ctx context.Context, req *model.CreateRequest) (*model.CreateResult, error)
	View(ctx context.Context, code string) (*model.View, error)
	Download(ctx context.Context, code string) (*model.DownloadResult, error)
	Delete(ctx context.Context, code string) (*model.DeleteResult, error)
}

// TransferLister is the admin slice of the repository.
type TransferLister interface {
	ListRecent(ctx context.Context, limit int) ([]*model.Transfer, error)
}

// Server hosts the HTTP handlers.
type Server struct {
	cfg     *config.Config
	service TransferService
	lister  TransferLister
	issuer  *auth.Issuer
	limits  *visitorLimiter
	server  *http.Server
	once    sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, service TransferService, lister TransferLister, issuer *auth.Issuer) *Server {
	return &Server{
		cfg:     cfg,
		service: service,
		lister:  lister,
		issuer:  issuer,
		limits:  newVisitorLimiter(),
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Handler(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	log.Printf("api listening on %s", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler builds the full middleware-wrapped route tree. Exposed for
// httptest in addition to Run.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/transfers", s.handleTransfers)
	mux.HandleFunc("/transfers/", s.handleTransferRoute)
	mux.HandleFunc("/auth/token", s.handleToken)
	mux.HandleFunc("/admin/transfers", s.withAdmin(s.handleAdminList))
	return corsMiddleware(requestIDMiddleware(loggingMiddleware(rateLimitMiddleware(s.limits, mux))))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req model.CreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		respondError(w, apperr.New(apperr.KindInvalidRequest, "malformed request body"))
		return
	}
	res, err := s.service.Create(r.Context(), &req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) handleTransferRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/transfers/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	code := parts[0]
	switch {
	case len(parts) == 1:
		s.handleTransfer(w, r, code)
	case len(parts) == 2 && parts[1] == "download":
		s.handleDownload(w, r, code)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, code string) {
	switch r.Method {
	case http.MethodGet:
		view, err := s.service.View(r.Context(), code)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, view)
	case http.MethodDelete:
		res, err := s.service.Delete(r.Context(), code)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, res)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, code string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, err := s.service.Download(r.Context(), code)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type tokenRequest struct {
	Secret string `json:"secret"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		respondError(w, apperr.New(apperr.KindInvalidRequest, "malformed request body"))
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(s.cfg.AdminSecret)) != 1 {
		writeEnvelope(w, http.StatusUnauthorized, "invalid admin secret", nil)
		return
	}
	token, err := s.issuer.Issue("admin")
	if err != nil {
		respondError(w, apperr.Wrap(apperr.KindInfrastructure, "issue token", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"token":            token,
		"expiresInSeconds": int64(s.cfg.TokenTTL.Seconds()),
	})
}

func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeEnvelope(w, http.StatusUnauthorized, "missing bearer token", nil)
			return
		}
		if _, err := s.issuer.Verify(token); err != nil {
			writeEnvelope(w, http.StatusUnauthorized, "invalid or expired token", nil)
			return
		}
		next(w, r)
	}
}

// adminTransfer is the operator projection: statuses and quotas, but no
// keys and no salts even for admins.
type adminTransfer struct {
	Status    model.Status `json:"status"`
	Title     string       `json:"title"`
	CreatedAt int64        `json:"createdAt"`
	Views     int          `json:"views"`
	Downloads int          `json:"downloads"`
	Size      int64        `json:"size"`
}

func (s *Server) handleAdminList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	transfers, err := s.lister.ListRecent(r.Context(), 50)
	if err != nil {
		respondError(w, apperr.Wrap(apperr.KindInfrastructure, "list transfers", err))
		return
	}
	out := make([]adminTransfer, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, adminTransfer{
			Status:    t.Status,
			Title:     t.Title,
			CreatedAt: t.CreatedAt,
			Views:     t.Views,
			Downloads: t.Downloads,
			Size:      t.Object.Size,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"transfers": out})
}

// errorEnvelope is the uniform error body for every failed request.
type errorEnvelope struct {
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
}

func respondError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	message := "internal error"
	var data any
	var ae *apperr.Error
	if errors.As(err, &ae) {
		message = ae.Message
		data = ae.Data
	}
	if kind == apperr.KindInfrastructure {
		// Infrastructure detail stays in the logs, not in responses.
		log.Printf("api: %v", err)
		message = "internal error"
		data = nil
	}
	writeEnvelope(w, kind.HTTPStatus(), message, data)
}

func writeEnvelope(w http.ResponseWriter, status int, message string, data any) {
	respondJSON(w, status, errorEnvelope{
		Timestamp: time.Now().UnixMilli(),
		Message:   message,
		Data:      data,
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}
