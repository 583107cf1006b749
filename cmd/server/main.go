package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/rs/cors"

	"github.com/fieldline/crm/internal/config"
	"github.com/fieldline/crm/internal/logger"
	"github.com/fieldline/crm/store"
	"github.com/fieldline/crm/tenantengine"
	"github.com/fieldline/crm/workflow"
)

type Server struct {
	db      *sql.DB
	records store.RecordStore
	manager *tenantengine.Manager
	router  http.Handler
	log     *slog.Logger
}

func NewServer(db *sql.DB, records store.RecordStore, manager *tenantengine.Manager, allowedOrigins []string, log *slog.Logger) *Server {
	s := &Server{
		db:      db,
		records: records,
		manager: manager,
		log:     log,
	}
	s.setupRoutes(allowedOrigins)
	return s
}

func (s *Server) setupRoutes(allowedOrigins []string) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)

	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Post("/", s.handleCreateTenant)

		r.Route("/{tenantId}", func(r chi.Router) {
			r.Get("/ruleset", s.handleGetRuleset)
			r.Put("/ruleset", s.handleUpdateRuleset)

			r.Route("/leads", func(r chi.Router) {
				r.Post("/", s.handleCreateLead)
				r.Get("/{leadId}", s.handleGetLead)
				r.Post("/{leadId}/status", s.handleLeadStatusChange)
				r.Get("/{leadId}/convertible", s.handleConvertible)
				r.Post("/{leadId}/convert", s.handleConvert)
			})

			r.Route("/deals", func(r chi.Router) {
				r.Post("/", s.handleCreateDeal)
				r.Get("/{dealId}", s.handleGetDeal)
				r.Post("/{dealId}/stage", s.handleDealStageChange)
			})
		})
	})

	s.router = cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(r)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"tenantsLoaded": len(s.manager.ListTenants()),
	})
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, name, created_at, updated_at
		FROM tenants
		ORDER BY created_at DESC
	`)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tenants", err)
		return
	}
	defer rows.Close()

	type tenant struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	tenants := []tenant{}
	for rows.Next() {
		var t tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to scan tenant", err)
			return
		}
		tenants = append(tenants, t)
	}

	respondJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	var tenantID string
	err := s.db.QueryRowContext(r.Context(), `
		INSERT INTO tenants (name, created_at, updated_at)
		VALUES ($1, NOW(), NOW())
		RETURNING id
	`, req.Name).Scan(&tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create tenant", err)
		return
	}

	// New tenants start on the default ruleset.
	if err := s.manager.CreateTenant(tenantID, workflow.DefaultRegistryConfig()); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to initialize tenant workflows", err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"id":   tenantID,
		"name": req.Name,
	})
}

func (s *Server) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req CreateLeadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	row := map[string]any{
		"tenant_id":  tenantID,
		"name":       req.Name,
		"email":      req.Email,
		"phone":      req.Phone,
		"company":    req.Company,
		"value":      req.Value,
		"currency":   req.Currency,
		"status":     "new",
		"score":      0,
		"created_by": req.ActorID,
	}
	lead, err := s.records.Insert(r.Context(), store.TableLeads, row)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create lead", err)
		return
	}

	respondJSON(w, http.StatusCreated, lead)
}

func (s *Server) handleGetLead(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	leadID := chi.URLParam(r, "leadId")

	lead, err := s.records.FetchByID(r.Context(), store.TableLeads, leadID, tenantID)
	if err != nil {
		respondStoreError(w, "failed to get lead", err)
		return
	}
	respondJSON(w, http.StatusOK, lead)
}

func (s *Server) handleLeadStatusChange(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	leadID := chi.URLParam(r, "leadId")

	var req StatusChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Status == "" {
		respondError(w, http.StatusBadRequest, "status is required", nil)
		return
	}

	dispatcher, err := s.manager.GetDispatcher(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	previous := req.Previous
	if previous == nil {
		previous, err = s.records.FetchByID(r.Context(), store.TableLeads, leadID, tenantID)
		if err != nil {
			respondStoreError(w, "failed to fetch lead", err)
			return
		}
	}

	result, err := dispatcher.ProcessLeadStatusChange(r.Context(), leadID, req.Status, previous, req.ActorID, tenantID)
	if err != nil {
		respondStoreError(w, "status change failed", err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleConvertible(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	leadID := chi.URLParam(r, "leadId")

	dispatcher, err := s.manager.GetDispatcher(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	lead, err := s.records.FetchByID(r.Context(), store.TableLeads, leadID, tenantID)
	if err != nil {
		respondStoreError(w, "failed to fetch lead", err)
		return
	}

	respondJSON(w, http.StatusOK, ConvertibleResponse{
		Convertible: dispatcher.CanConvertToOpportunity(lead),
	})
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	leadID := chi.URLParam(r, "leadId")

	var req ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	dispatcher, err := s.manager.GetDispatcher(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	results, err := dispatcher.ConvertLeadToOpportunity(r.Context(), leadID, req.ActorID, tenantID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotConvertible) {
			respondError(w, http.StatusUnprocessableEntity, "lead does not meet conversion requirements", err)
			return
		}
		respondStoreError(w, "conversion failed", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req CreateDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	row := map[string]any{
		"tenant_id":   tenantID,
		"name":        req.Name,
		"value":       req.Value,
		"currency":    req.Currency,
		"stage":       "new",
		"probability": workflow.DefaultStageProbability("new"),
		"status":      "open",
		"created_by":  req.ActorID,
	}
	deal, err := s.records.Insert(r.Context(), store.TableOpportunities, row)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create deal", err)
		return
	}

	respondJSON(w, http.StatusCreated, deal)
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	dealID := chi.URLParam(r, "dealId")

	deal, err := s.records.FetchByID(r.Context(), store.TableOpportunities, dealID, tenantID)
	if err != nil {
		respondStoreError(w, "failed to get deal", err)
		return
	}
	respondJSON(w, http.StatusOK, deal)
}

func (s *Server) handleDealStageChange(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	dealID := chi.URLParam(r, "dealId")

	var req StatusChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Stage == "" {
		respondError(w, http.StatusBadRequest, "stage is required", nil)
		return
	}

	dispatcher, err := s.manager.GetDispatcher(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	previous := req.Previous
	if previous == nil {
		previous, err = s.records.FetchByID(r.Context(), store.TableOpportunities, dealID, tenantID)
		if err != nil {
			respondStoreError(w, "failed to fetch deal", err)
			return
		}
	}

	result, err := dispatcher.ProcessDealStageChange(r.Context(), dealID, req.Stage, previous, req.ActorID, tenantID)
	if err != nil {
		respondStoreError(w, "stage change failed", err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetRuleset(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	version, cfg, err := s.manager.GetTenantRuleset(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get ruleset", err)
		return
	}

	respondJSON(w, http.StatusOK, RulesetResponse{Version: version, Definition: cfg})
}

func (s *Server) handleUpdateRuleset(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req UpdateRulesetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	version, err := s.manager.UpdateTenantRuleset(r.Context(), tenantID, req.Definition)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to update ruleset", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "active",
		"version": version,
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{"error": message}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

func respondStoreError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, message, err)
		return
	}
	respondError(w, http.StatusInternalServerError, message, err)
}

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.Setup(cfg.LogLevel)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	records := store.NewPostgresRecordStore(db)
	manager := tenantengine.NewManager(db, records)

	log.Info("loading tenants")
	if err := manager.LoadAllTenants(context.Background()); err != nil {
		log.Error("failed to load tenants", "error", err)
		os.Exit(1)
	}
	log.Info("tenants loaded", "count", len(manager.ListTenants()))

	server := NewServer(db, records, manager, cfg.AllowedOrigins, log)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("server shutdown error", "error", err)
	}

	log.Info("server stopped")
}
