// Package httpapi is the daemon's thin read surface over one cache: a
// point lookup, a health endpoint, and metrics. Lookups never reach the
// network; they read whatever the cache currently holds.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/avolkov/citytemp"
	"github.com/avolkov/citytemp/internal/health"
	"github.com/avolkov/citytemp/internal/lifecycle"
	"github.com/avolkov/citytemp/internal/validation"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	cache       *citytemp.Cache
	logger      *zap.Logger
	rateLimiter *rate.Limiter

	cityMinLength int
	cityMaxLength int

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(cache *citytemp.Cache, logger *zap.Logger, rateLimiter *rate.Limiter, cityMinLength, cityMaxLength int) *Handler {
	return &Handler{
		cache:         cache,
		logger:        logger,
		rateLimiter:   rateLimiter,
		cityMinLength: cityMinLength,
		cityMaxLength: cityMaxLength,
	}
}

// temperatureResponse is the payload for GET /temperature/{city}.
type temperatureResponse struct {
	City        string  `json:"city"`
	Temperature float64 `json:"temperature"`
	Epoch       uint64  `json:"epoch"`
	Source      string  `json:"source"`
}

// GetTemperature handles GET /temperature/{city}.
func (h *Handler) GetTemperature(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["city"]
	city, err := validation.ValidateCity(raw, h.cityMinLength, h.cityMaxLength)
	if err != nil {
		writeValidationError(w, r, err)
		return
	}

	rec, ok := h.cache.GetRecord(city)
	if !ok {
		writeError(w, r, http.StatusNotFound, "CITY_NOT_FOUND", "no temperature observed for city")
		return
	}
	writeJSON(w, http.StatusOK, temperatureResponse{
		City:        city,
		Temperature: rec.Temperature,
		Epoch:       rec.Epoch,
		Source:      rec.Source.String(),
	})
}

// GetHealth handles GET /health. The daemon keeps serving cached values
// while degraded; the status code tells operators whether the source is
// healthy, not whether reads work.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status, statusCode, reason := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", status),
			zap.String("reason", reason))
	}
	h.healthStatusPrev = status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if status == "degraded" {
		checks["upstream"] = "unhealthy"
	} else {
		checks["upstream"] = "healthy"
	}
	if ping := h.cache.MirrorPing(); ping != nil {
		if ping() == nil {
			checks["mirror"] = "healthy"
		} else {
			checks["mirror"] = "unhealthy"
		}
	}

	resp := map[string]interface{}{
		"status":        status,
		"service":       "citytempd",
		"version":       "dev",
		"checks":        checks,
		"citiesTracked": h.cache.Len(),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus maps cache health onto the endpoint contract.
// Decision order: shutting-down > degraded > ok.
func (h *Handler) computeHealthStatus() (status string, statusCode int, reason string) {
	if lifecycle.IsShuttingDown() {
		return "shutting-down", http.StatusServiceUnavailable, "signal"
	}
	hs := h.cache.Health()
	if hs.State == health.StateDegraded {
		return "degraded", http.StatusOK, hs.Reason
	}
	return "ok", http.StatusOK, ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		if s, ok := v.(string); ok {
			corrID = s
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

func writeValidationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, validation.ErrCityEmpty):
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", "city is required")
	case errors.Is(err, validation.ErrCityTooShort), errors.Is(err, validation.ErrCityTooLong):
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", "city length out of bounds")
	default:
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", "city contains invalid characters")
	}
}
