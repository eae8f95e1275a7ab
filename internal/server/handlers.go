package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"watchtower-go/internal/funds"
	"watchtower-go/internal/kvstore"
	"watchtower-go/internal/registry"
)

// ActionRequest is the body of POST /api/servers/action
type ActionRequest struct {
	ID         string `json:"id"`
	ActionType string `json:"actionType"`
}

// ActionResponse is the acknowledgment for an accepted action
type ActionResponse struct {
	Message  string `json:"message"`
	ActionID string `json:"action_id,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"message": message})
}

// handleStatusAPI returns the daemon status summary
func (s *Server) handleStatusAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.GetStatus())
}

// handleServersAPI returns the full registry snapshot in insertion order
func (s *Server) handleServersAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"servers": s.registry.ListAll(),
	})
}

// handleServersByCategoryAPI returns servers filtered by category slug,
// e.g. GET /api/servers/worker
func (s *Server) handleServersByCategoryAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	slug := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/servers/"), "/")
	if slug == "" || slug == "all" {
		s.handleServersAPI(w, r)
		return
	}

	category, ok := registry.CategoryFromSlug(slug)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown category: "+slug)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"servers": s.registry.ListByCategory(category),
	})
}

// handleServerActionAPI accepts an action for a server. The response only
// acknowledges scheduling: an unrecognized actionType still gets a 202 and
// fails later via the push channel.
func (s *Server) handleServerActionAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.readOnlyMode() {
		s.writeError(w, http.StatusForbidden, "server is in read-only mode")
		return
	}

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ID == "" || req.ActionType == "" {
		s.writeError(w, http.StatusBadRequest, "id and actionType are required")
		return
	}

	ack, err := s.engine.Dispatch(req.ID, req.ActionType)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "server not found: "+req.ID)
			return
		}
		s.logger.Error("Failed to dispatch action", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to dispatch action")
		return
	}

	s.writeJSON(w, http.StatusAccepted, ActionResponse{
		Message:  ack.Message,
		ActionID: ack.ActionID,
	})
}

// handleHistoryAPI returns recent audit records, newest first
func (s *Server) handleHistoryAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := s.defaultHistoryLimit()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit: "+raw)
			return
		}
		limit = parsed
	}

	records, err := s.storageManager.ListRecent(limit)
	if err != nil {
		s.logger.Error("Failed to list action history", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"actions": records,
	})
}

// handleHistorySearchAPI runs a full-text search over the audit trail
func (s *Server) handleHistorySearchAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit: "+raw)
			return
		}
		limit = parsed
	}

	results, err := s.indexManager.Search(query, limit)
	if err != nil {
		s.logger.Error("History search failed", zap.String("query", query), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   query,
		"results": results,
	})
}

// handleFundEligibilityAPI evaluates fund eligibility via the collaborator
// contract, e.g. GET /api/funds/eligibility?fund=growth&env=prod
func (s *Server) handleFundEligibilityAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fund := r.URL.Query().Get("fund")
	env := r.URL.Query().Get("env")
	if fund == "" || env == "" {
		s.writeError(w, http.StatusBadRequest, "fund and env are required")
		return
	}

	opts := funds.Options{
		SkipSettlementCheck: r.URL.Query().Get("skip_settlement") == "true",
	}

	result, err := s.fundsEvaluator.CheckEligibility(r.Context(), fund, env, opts)
	if err != nil {
		s.logger.Error("Eligibility check failed", zap.String("fund", fund), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "eligibility check failed")
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleKVKeysAPI lists keys, e.g. GET /api/kv/keys?env=dev&pattern=session:*
func (s *Server) handleKVKeysAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	provider, ok := s.kvProvider(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit: "+raw)
			return
		}
		limit = parsed
	}

	keys, err := provider.ListKeys(r.URL.Query().Get("pattern"), limit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys": keys,
	})
}

// handleKVValueAPI gets or deletes a single key
func (s *Server) handleKVValueAPI(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.kvProvider(w, r)
	if !ok {
		return
	}

	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, err := provider.GetValue(key)
		if err != nil {
			if errors.Is(err, kvstore.ErrKeyNotFound) {
				s.writeError(w, http.StatusNotFound, err.Error())
				return
			}
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})

	case http.MethodDelete:
		if s.readOnlyMode() {
			s.writeError(w, http.StatusForbidden, "server is in read-only mode")
			return
		}
		if err := provider.DeleteKey(key); err != nil {
			if errors.Is(err, kvstore.ErrKeyNotFound) {
				s.writeError(w, http.StatusNotFound, err.Error())
				return
			}
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"deleted": key})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleKVInfoAPI describes the store instance behind an environment
func (s *Server) handleKVInfoAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	provider, ok := s.kvProvider(w, r)
	if !ok {
		return
	}

	info, err := provider.InstanceInfo()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) kvProvider(w http.ResponseWriter, r *http.Request) (kvstore.Provider, bool) {
	env := r.URL.Query().Get("env")
	if env == "" {
		s.writeError(w, http.StatusBadRequest, "env is required")
		return nil, false
	}

	provider, err := s.kvBrowser.Provider(env)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return provider, true
}
