// Package handler exposes the orchestrator over a JSON admin API.
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mir00r/orchestrator/internal/domain"
	"github.com/mir00r/orchestrator/internal/errors"
	"github.com/mir00r/orchestrator/internal/orchestrator"
	"github.com/mir00r/orchestrator/pkg/logger"
)

// APIHandler serves the orchestrator admin API
type APIHandler struct {
	orchestrator *orchestrator.Orchestrator
	logger       *logger.Logger
	startTime    time.Time
}

// NewAPIHandler creates an API handler over the orchestrator facade
func NewAPIHandler(orch *orchestrator.Orchestrator, log *logger.Logger) *APIHandler {
	return &APIHandler{
		orchestrator: orch,
		logger:       log,
		startTime:    time.Now(),
	}
}

// ErrorResponse represents error responses
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ServiceRequest represents a request to register a service
type ServiceRequest struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	Version     string                    `json:"version"`
	Endpoints   []domain.Endpoint         `json:"endpoints,omitempty"`
	Resources   domain.ResourceAllocation `json:"resources,omitempty"`
	HealthCheck *domain.HealthCheckSpec   `json:"health_check,omitempty"`
}

// DeploymentRequest represents a request to start a deployment
type DeploymentRequest struct {
	ServiceID     string                  `json:"service_id"`
	TargetVersion string                  `json:"target_version"`
	Strategy      string                  `json:"strategy"`
	Config        domain.DeploymentConfig `json:"config"`
}

// CallRequest represents an inter-service call through the mesh
type CallRequest struct {
	SourceService string                 `json:"source_service"`
	TargetService string                 `json:"target_service"`
	Endpoint      string                 `json:"endpoint"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// BalancerRequest binds a load balancing config to a service
type BalancerRequest struct {
	Strategy string `json:"strategy"`
}

// Register attaches the API routes to a router
func (h *APIHandler) Register(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/services", h.RegisterService).Methods(http.MethodPost)
	api.HandleFunc("/services", h.ListServices).Methods(http.MethodGet)
	api.HandleFunc("/services/{id}", h.GetService).Methods(http.MethodGet)
	api.HandleFunc("/services/{id}/instances", h.ListInstances).Methods(http.MethodGet)
	api.HandleFunc("/services/{id}/balancer", h.SetBalancer).Methods(http.MethodPut)
	api.HandleFunc("/services/{id}/autoscaling", h.EnableAutoScaling).Methods(http.MethodPut)
	api.HandleFunc("/services/{id}/autoscaling", h.DisableAutoScaling).Methods(http.MethodDelete)

	api.HandleFunc("/policies", h.AddPolicy).Methods(http.MethodPost)
	api.HandleFunc("/policies/{name}", h.RemovePolicy).Methods(http.MethodDelete)

	api.HandleFunc("/deployments", h.StartDeployment).Methods(http.MethodPost)
	api.HandleFunc("/deployments/{id}", h.GetDeployment).Methods(http.MethodGet)
	api.HandleFunc("/deployments/{id}/cancel", h.CancelDeployment).Methods(http.MethodPost)
	api.HandleFunc("/deployments/{id}/rollback", h.RollbackDeployment).Methods(http.MethodPost)

	api.HandleFunc("/calls", h.CallService).Methods(http.MethodPost)
	api.HandleFunc("/overview", h.Overview).Methods(http.MethodGet)

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.Handle("/metrics", h.orchestrator.Collectors().Handler()).Methods(http.MethodGet)
}

// RegisterService handles POST /api/v1/services
func (h *APIHandler) RegisterService(w http.ResponseWriter, r *http.Request) {
	var req ServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, "invalid JSON body", "", http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.Version == "" {
		h.writeErrorResponse(w, "id and version are required", "", http.StatusBadRequest)
		return
	}

	service := domain.NewService(req.ID, req.Name, req.Version)
	service.Endpoints = req.Endpoints
	service.Resources = req.Resources
	if req.HealthCheck != nil {
		service.HealthCheck = *req.HealthCheck
	}

	if err := h.orchestrator.RegisterService(r.Context(), service); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, service)
}

// ListServices handles GET /api/v1/services
func (h *APIHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.orchestrator.Registry().ListServices())
}

// GetService handles GET /api/v1/services/{id}
func (h *APIHandler) GetService(w http.ResponseWriter, r *http.Request) {
	service, err := h.orchestrator.Registry().GetService(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, service)
}

// ListInstances handles GET /api/v1/services/{id}/instances
func (h *APIHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.orchestrator.Registry().ListInstances(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, instances)
}

// SetBalancer handles PUT /api/v1/services/{id}/balancer
func (h *APIHandler) SetBalancer(w http.ResponseWriter, r *http.Request) {
	var req BalancerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, "invalid JSON body", "", http.StatusBadRequest)
		return
	}

	serviceID := mux.Vars(r)["id"]
	config := domain.LoadBalancerConfig{Strategy: domain.LoadBalancingStrategy(req.Strategy)}
	if err := h.orchestrator.Balancer().SetConfig(serviceID, config); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"service_id": serviceID, "strategy": req.Strategy})
}

// EnableAutoScaling handles PUT /api/v1/services/{id}/autoscaling
func (h *APIHandler) EnableAutoScaling(w http.ResponseWriter, r *http.Request) {
	var policy domain.AutoScalingPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		h.writeErrorResponse(w, "invalid JSON body", "", http.StatusBadRequest)
		return
	}
	policy.ServiceID = mux.Vars(r)["id"]

	if err := h.orchestrator.EnableAutoScaling(r.Context(), policy); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, policy)
}

// DisableAutoScaling handles DELETE /api/v1/services/{id}/autoscaling
func (h *APIHandler) DisableAutoScaling(w http.ResponseWriter, r *http.Request) {
	h.orchestrator.DisableAutoScaling(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

// AddPolicy handles POST /api/v1/policies
func (h *APIHandler) AddPolicy(w http.ResponseWriter, r *http.Request) {
	var policy domain.Policy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		h.writeErrorResponse(w, "invalid JSON body", "", http.StatusBadRequest)
		return
	}

	if err := h.orchestrator.Policies().AddPolicy(&policy); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, policy)
}

// RemovePolicy handles DELETE /api/v1/policies/{name}
func (h *APIHandler) RemovePolicy(w http.ResponseWriter, r *http.Request) {
	h.orchestrator.Policies().RemovePolicy(mux.Vars(r)["name"])
	w.WriteHeader(http.StatusNoContent)
}

// StartDeployment handles POST /api/v1/deployments
func (h *APIHandler) StartDeployment(w http.ResponseWriter, r *http.Request) {
	var req DeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, "invalid JSON body", "", http.StatusBadRequest)
		return
	}
	if req.ServiceID == "" || req.TargetVersion == "" {
		h.writeErrorResponse(w, "service_id and target_version are required", "", http.StatusBadRequest)
		return
	}
	if req.Strategy == "" {
		req.Strategy = string(domain.RollingUpdateStrategy)
	}

	record, err := h.orchestrator.DeployService(r.Context(), req.ServiceID, req.TargetVersion,
		domain.DeploymentStrategy(req.Strategy), req.Config)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, record)
}

// GetDeployment handles GET /api/v1/deployments/{id}
func (h *APIHandler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	record, err := h.orchestrator.GetDeploymentStatus(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// CancelDeployment handles POST /api/v1/deployments/{id}/cancel
func (h *APIHandler) CancelDeployment(w http.ResponseWriter, r *http.Request) {
	if err := h.orchestrator.CancelDeployment(mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// RollbackDeployment handles POST /api/v1/deployments/{id}/rollback
func (h *APIHandler) RollbackDeployment(w http.ResponseWriter, r *http.Request) {
	record, err := h.orchestrator.RollbackDeployment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, record)
}

// CallService handles POST /api/v1/calls. The CallResult is returned with
// 200 whether or not the call succeeded; the policy error code travels in
// the body.
func (h *APIHandler) CallService(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, "invalid JSON body", "", http.StatusBadRequest)
		return
	}
	if req.TargetService == "" || req.Endpoint == "" {
		h.writeErrorResponse(w, "target_service and endpoint are required", "", http.StatusBadRequest)
		return
	}

	result, _ := h.orchestrator.CallService(r.Context(), req.SourceService, req.TargetService,
		req.Endpoint, req.Payload)
	h.writeJSON(w, http.StatusOK, result)
}

// Overview handles GET /api/v1/overview
func (h *APIHandler) Overview(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.orchestrator.GetSystemOverview())
}

// Health handles GET /health
func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	services, healthyServices, instances, healthyInstances := h.orchestrator.Registry().Counts()

	status := "healthy"
	if instances > 0 && healthyInstances == 0 {
		status = "unhealthy"
	} else if healthyInstances < instances {
		status = "degraded"
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            status,
		"services":          services,
		"healthy_services":  healthyServices,
		"instances":         instances,
		"healthy_instances": healthyInstances,
		"uptime":            time.Since(h.startTime).String(),
		"timestamp":         time.Now(),
	})
}

// writeJSON writes a JSON response with the given status
func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps a domain error to its HTTP status, preserving the
// error code and reason in the body
func (h *APIHandler) writeError(w http.ResponseWriter, err error) {
	h.writeErrorResponse(w, err.Error(), string(errors.GetErrorCode(err)), errors.GetHTTPStatusCode(err))
}

// writeErrorResponse writes a standardized error response
func (h *APIHandler) writeErrorResponse(w http.ResponseWriter, message, code string, status int) {
	response := ErrorResponse{
		Error:     message,
		Code:      code,
		Timestamp: time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)

	h.logger.WithFields(map[string]interface{}{
		"component": "admin_api",
		"error":     message,
		"status":    status,
	}).Warn("API error response")
}
