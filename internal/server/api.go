package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sdkrouter/internal/model"
)

func (r *Runtime) registerRoutes(mux *http.ServeMux) {
	mux.Handle("/sdk", r.router)
	mux.HandleFunc("/api/v1/health", r.handleHealth)
	mux.HandleFunc("/api/v1/sessions", r.handleSessions)
	mux.HandleFunc("/api/v1/sessions/", r.handleSessionByIdentity)
	mux.HandleFunc("/", r.handleNotFound)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	busErr := r.bus.Healthy()
	bus := HealthBusStatus{Healthy: busErr == nil}
	if busErr != nil {
		bus.Error = busErr.Error()
	}
	response := HealthResponse{
		Status:    "ok",
		StartedAt: r.startedAt,
		Now:       time.Now().UTC(),
		Router:    r.router.Stats(),
		Sweeper:   r.router.SweeperSnapshot(),
		Bus:       r.bus.Stats(),
		BusHealth: bus,
	}
	statusCode := http.StatusOK
	if !bus.Healthy {
		response.Status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	sessions := r.router.Sessions()
	if online := strings.TrimSpace(req.URL.Query().Get("online")); online == "true" {
		filtered := make([]model.SessionSummary, 0, len(sessions))
		for _, summary := range sessions {
			if summary.Online {
				filtered = append(filtered, summary)
			}
		}
		sessions = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (r *Runtime) handleSessionByIdentity(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	raw := strings.TrimPrefix(req.URL.EscapedPath(), "/api/v1/sessions/")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_identity", err.Error())
		return
	}
	identity := model.NormalizeIdentity(decoded)
	if !identity.Valid() || strings.Contains(decoded, "/") {
		writeAPIError(w, http.StatusBadRequest, "invalid_identity", "identity is required")
		return
	}
	detail, ok := r.router.Session(identity)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "session_not_found", "no session for identity "+string(identity))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": detail})
}

func (r *Runtime) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeAPIError(w, http.StatusNotFound, "not_found", "route not found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeAPIError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": apiError{
			Code:    strings.TrimSpace(code),
			Message: strings.TrimSpace(message),
		},
	})
}
