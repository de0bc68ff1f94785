package infrastructure

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/juanbautista0/federation-gateway/internal/domain"
	"go.uber.org/zap"
)

const maxAdminBody = 1 << 20

// ConfigAPI is the administrative HTTP surface. Authentication and rate
// limiting are applied by the caller's middleware chain.
type ConfigAPI struct {
	admin  domain.FederationAdmin
	logger *zap.Logger
	mux    *http.ServeMux
}

type balancerRequest struct {
	Strategy        domain.Strategy `json:"strategy"`
	PreferredRegion string          `json:"preferred_region,omitempty"`
	Weights         map[string]int  `json:"weights,omitempty"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func NewConfigAPI(admin domain.FederationAdmin, logger *zap.Logger) *ConfigAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	api := &ConfigAPI{
		admin:  admin,
		logger: logger.With(zap.String("component", "config_api")),
		mux:    http.NewServeMux(),
	}
	api.mux.HandleFunc("GET /config", api.getConfig)
	api.mux.HandleFunc("PUT /config", api.replaceConfig)
	api.mux.HandleFunc("POST /endpoints", api.addEndpoint)
	api.mux.HandleFunc("DELETE /endpoints/{id}", api.removeEndpoint)
	api.mux.HandleFunc("POST /endpoints/{id}/health-check", api.forceHealthCheck)
	api.mux.HandleFunc("PUT /balancer", api.updateBalancer)

	docs := NewSwaggerHandler()
	api.mux.Handle("GET /swagger", docs)
	api.mux.Handle("GET /api-docs.yaml", docs)
	return api
}

func (api *ConfigAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.mux.ServeHTTP(w, r)
}

func (api *ConfigAPI) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg := api.admin.Config()
	if cfg == nil {
		writeError(w, http.StatusServiceUnavailable, "no configuration loaded")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (api *ConfigAPI) replaceConfig(w http.ResponseWriter, r *http.Request) {
	var cfg domain.FederationConfig
	if !decodeBody(w, r, &cfg) {
		return
	}
	if err := api.admin.ReplaceConfig(r.Context(), &cfg); err != nil {
		api.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.admin.Config())
}

func (api *ConfigAPI) addEndpoint(w http.ResponseWriter, r *http.Request) {
	var ep domain.RemoteEndpoint
	if !decodeBody(w, r, &ep) {
		return
	}
	if err := api.admin.AddEndpoint(r.Context(), ep); err != nil {
		api.writeAdminError(w, err)
		return
	}
	api.logger.Info("endpoint added", zap.String("endpoint_id", ep.ID), zap.String("address", ep.Address))
	writeJSON(w, http.StatusCreated, ep)
}

func (api *ConfigAPI) removeEndpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := api.admin.RemoveEndpoint(r.Context(), id); err != nil {
		api.writeAdminError(w, err)
		return
	}
	api.logger.Info("endpoint removed", zap.String("endpoint_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (api *ConfigAPI) forceHealthCheck(w http.ResponseWriter, r *http.Request) {
	status, err := api.admin.ForceHealthCheck(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (api *ConfigAPI) updateBalancer(w http.ResponseWriter, r *http.Request) {
	var req balancerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	settings := domain.BalancerSettings{Strategy: req.Strategy, PreferredRegion: req.PreferredRegion}
	if err := api.admin.UpdateBalancer(r.Context(), settings, req.Weights); err != nil {
		api.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.admin.Config().Balancer)
}

func (api *ConfigAPI) writeAdminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrEndpointNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConfiguration):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "invalid configuration",
			Details: configErrorDetails(err),
		})
	default:
		api.logger.Error("admin operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// configErrorDetails flattens a joined validation error.
func configErrorDetails(err error) []string {
	var out []string
	var walk func(error)
	walk = func(e error) {
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		out = append(out, e.Error())
	}
	walk(err)
	return out
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
