// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package vaxserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/internal/auth"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/replay"
)

const defaultBodyLimit = 1 << 20

// HTTPHandlers provides HTTP handlers for replayed actions
type HTTPHandlers struct {
	service  *ActionService
	jwt      *auth.JWTAuth // nil when authentication is disabled
	tokenTTL time.Duration
	logger   *slog.Logger
}

func NewHTTPHandlers(service *ActionService, jwt *auth.JWTAuth, tokenTTL time.Duration, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{service: service, jwt: jwt, tokenTTL: tokenTTL, logger: logger}
}

// HandleAction returns the handler for one action route. The record id of
// update routes comes from the {id} path value.
func (h *HTTPHandlers) HandleAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a := Action{
			Name:           action,
			IdempotencyKey: strings.TrimSpace(r.Header.Get(replay.HeaderIdempotencyKey)),
			RecordID:       r.PathValue("id"),
		}
		if userID, ok := auth.GetUserID(r.Context()); ok {
			a.UserID = userID
		}
		if deviceID, ok := auth.GetDeviceID(r.Context()); ok {
			a.DeviceID = deviceID
		} else if h.jwt == nil {
			a.DeviceID = strings.TrimSpace(r.Header.Get(replay.HeaderDeviceID))
		}
		if ms, err := strconv.ParseInt(r.Header.Get(replay.HeaderQueuedAt), 10, 64); err == nil && ms > 0 {
			a.QueuedAt = time.UnixMilli(ms).UTC()
		}

		limit := int64(defaultBodyLimit)
		if n := h.service.config.MaxPayloadBytes; n > 0 {
			limit = int64(n)
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
			return
		}
		a.Payload = body

		applied, err := h.service.Apply(r.Context(), a)
		switch {
		case err == nil:
		case errors.Is(err, ErrDuplicateAction):
			h.writeJSON(w, http.StatusConflict, ActionResponse{Status: StDuplicate, Kind: applied.Kind})
			return
		case errors.Is(err, ErrUnknownAction):
			h.writeError(w, http.StatusNotFound, "unknown_action", err.Error())
			return
		case errors.Is(err, ErrBadPayload):
			h.writeError(w, http.StatusBadRequest, "bad_payload", err.Error())
			return
		default:
			h.logger.Error("Failed to apply action", "error", err, "action", action, "device_id", a.DeviceID)
			h.writeError(w, http.StatusInternalServerError, "apply_failed", "failed to apply action")
			return
		}

		code := http.StatusOK
		if r.Method == http.MethodPost {
			code = http.StatusCreated
		}
		h.writeJSON(w, code, ActionResponse{Status: StApplied, Kind: applied.Kind, ID: applied.RecordID})
	}
}

// HandleToken issues a development token for any user and password.
func (h *HTTPHandlers) HandleToken(w http.ResponseWriter, r *http.Request) {
	if h.jwt == nil {
		h.writeError(w, http.StatusNotFound, "auth_disabled", "authentication is disabled")
		return
	}
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}
	if req.User == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "user required")
		return
	}
	if req.Device == "" {
		req.Device = uuid.NewString()
	}
	token, err := h.jwt.GenerateToken(req.User, req.Device, h.tokenTTL)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "token_error", err.Error())
		return
	}
	h.logger.Info("issued token", "user", req.User, "device", req.Device)
	h.writeJSON(w, http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresIn: int64(h.tokenTTL / time.Second),
		User:      req.User,
		Device:    req.Device,
	})
}

func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "vaxserver"})
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSON(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
