package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xiaonanln/fanverse/broadcast"
	"github.com/xiaonanln/fanverse/store"
)

// CreateBroadcastRequest is the body of POST /api/v1/broadcasts.
type CreateBroadcastRequest struct {
	Message       json.RawMessage `json:"message"`
	TargetUserIds []string        `json:"targetUserIds"` // absent or null targets everyone
	Priority      string          `json:"priority"`
	ExpiresInMs   int64           `json:"expiresInMs"` // 0 means no expiry
}

// BroadcastResponse is the JSON shape of a broadcast record.
type BroadcastResponse struct {
	Id          string     `json:"id"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	Total       int64      `json:"total"`
	Delivered   int64      `json:"delivered"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

func broadcastResponse(b *store.Broadcast) BroadcastResponse {
	return BroadcastResponse{
		Id:          b.Id,
		Status:      string(b.Status),
		Priority:    string(b.Priority),
		Total:       b.Total,
		Delivered:   b.Delivered,
		Error:       b.Error,
		CreatedAt:   b.CreatedAt,
		StartedAt:   b.StartedAt,
		CompletedAt: b.CompletedAt,
		ExpiresAt:   b.ExpiresAt,
	}
}

// RegistrationResponse is the JSON shape of a user registration.
type RegistrationResponse struct {
	UserId  string `json:"userId"`
	ShardId int    `json:"shardId"`
	Active  bool   `json:"active"`
}

// ScaleConfigRequest is the body of PUT /api/v1/config/scale.
type ScaleConfigRequest struct {
	Preset string `json:"preset"`
}

// ScaleConfigResponse describes the activated preset.
type ScaleConfigResponse struct {
	Preset           string `json:"preset"`
	NumShards        int    `json:"numShards"`
	BatchSize        int    `json:"batchSize"`
	BatchConcurrency int    `json:"batchConcurrency"`
	BatchDelayMs     int64  `json:"batchDelayMs"`
}

// CleanupRequest is the body of POST /api/v1/shards/{id}/cleanup.
type CleanupRequest struct {
	UserIds     []string `json:"userIds"`
	ThresholdMs int64    `json:"thresholdMs"`
}

// CleanupResponse reports the outcome of a cleanup pass.
type CleanupResponse struct {
	OperationId string `json:"operationId"`
	ShardId     int    `json:"shardId"`
	Removed     int    `json:"removed"`
	Skipped     int    `json:"skipped"`
	Status      string `json:"status"`
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// handleBroadcasts handles POST /api/v1/broadcasts.
func (s *Server) handleBroadcasts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST method is allowed")
		return
	}

	var req CreateBroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	var expiresAt *time.Time
	if req.ExpiresInMs > 0 {
		t := time.Now().Add(time.Duration(req.ExpiresInMs) * time.Millisecond)
		expiresAt = &t
	}

	b, err := s.pipeline.Coordinator().CreateBroadcast(r.Context(), req.Message, req.TargetUserIds, store.Priority(req.Priority), expiresAt)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_BROADCAST", err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, broadcastResponse(b))
}

// handleBroadcastOps handles GET /api/v1/broadcasts/{id}/analytics and
// POST /api/v1/broadcasts/{id}/cancel.
func (s *Server) handleBroadcastOps(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/broadcasts/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_PATH", "Path must be /api/v1/broadcasts/{id}/{analytics|cancel}")
		return
	}
	broadcastId := parts[0]

	switch {
	case parts[1] == "analytics" && r.Method == http.MethodGet:
		a, err := s.pipeline.Coordinator().GetAnalytics(r.Context(), broadcastId)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.writeError(w, http.StatusNotFound, "BROADCAST_NOT_FOUND", err.Error())
			} else {
				s.writeError(w, http.StatusInternalServerError, "ANALYTICS_FAILED", err.Error())
			}
			return
		}
		s.writeJSON(w, http.StatusOK, a)

	case parts[1] == "cancel" && r.Method == http.MethodPost:
		if err := s.pipeline.Coordinator().CancelBroadcast(r.Context(), broadcastId); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.writeError(w, http.StatusNotFound, "BROADCAST_NOT_FOUND", err.Error())
			} else {
				s.writeError(w, http.StatusConflict, "CANCEL_FAILED", err.Error())
			}
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Unsupported method for this path")
	}
}

// handleUsers handles POST /api/v1/users/{id}/register and
// DELETE /api/v1/users/{id}.
func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/users/")

	switch r.Method {
	case http.MethodPost:
		userId := strings.TrimSuffix(path, "/register")
		if userId == path || userId == "" {
			s.writeError(w, http.StatusBadRequest, "INVALID_PATH", "Path must be /api/v1/users/{id}/register")
			return
		}
		reg, err := s.pipeline.Coordinator().RegisterUser(r.Context(), userId)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "REGISTER_FAILED", err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, RegistrationResponse{
			UserId:  reg.UserId,
			ShardId: reg.ShardId,
			Active:  reg.Active,
		})

	case http.MethodDelete:
		if path == "" || strings.Contains(path, "/") {
			s.writeError(w, http.StatusBadRequest, "INVALID_PATH", "Path must be /api/v1/users/{id}")
			return
		}
		if err := s.pipeline.Coordinator().UnregisterUser(r.Context(), path); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.writeError(w, http.StatusNotFound, "USER_NOT_FOUND", err.Error())
			} else {
				s.writeError(w, http.StatusInternalServerError, "UNREGISTER_FAILED", err.Error())
			}
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST and DELETE are allowed")
	}
}

// handleShardCleanup handles POST /api/v1/shards/{id}/cleanup.
func (s *Server) handleShardCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST method is allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/shards/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[1] != "cleanup" {
		s.writeError(w, http.StatusBadRequest, "INVALID_PATH", "Path must be /api/v1/shards/{id}/cleanup")
		return
	}
	shardId, err := strconv.Atoi(parts[0])
	if err != nil || shardId < 0 {
		s.writeError(w, http.StatusBadRequest, "INVALID_SHARD", "Shard id must be a non-negative integer")
		return
	}

	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	op, err := s.pipeline.CleanupInactiveUsers(r.Context(), shardId, req.UserIds, req.ThresholdMs)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "CLEANUP_FAILED", err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, CleanupResponse{
		OperationId: op.Id,
		ShardId:     op.ShardId,
		Removed:     op.Removed,
		Skipped:     op.Skipped,
		Status:      string(op.Status),
	})
}

// handleScaleConfig handles PUT /api/v1/config/scale.
func (s *Server) handleScaleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only PUT method is allowed")
		return
	}

	var req ScaleConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if req.Preset == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_PRESET", "Preset name is required")
		return
	}

	preset, err := s.pipeline.Coordinator().UpdateScaleConfig(req.Preset)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "UNKNOWN_PRESET", err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, ScaleConfigResponse{
		Preset:           preset.Name,
		NumShards:        preset.NumShards,
		BatchSize:        preset.BatchSize,
		BatchConcurrency: preset.BatchConcurrency,
		BatchDelayMs:     preset.BatchDelay.Milliseconds(),
	})
}

// handleHealth handles GET /api/v1/health. An unhealthy pipeline answers 503
// so load balancers can act on it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET method is allowed")
		return
	}

	report, err := s.pipeline.Coordinator().Health(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "HEALTH_FAILED", err.Error())
		return
	}

	status := http.StatusOK
	if report.Level == broadcast.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorf("Failed to encode JSON response: %v", err)
	}
}

// writeError writes an error response in JSON format.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, code string, message string) {
	s.writeJSON(w, statusCode, errorResponse{Error: message, Code: code})
}
