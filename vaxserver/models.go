// Package vaxserver is a reference implementation of the remote API that
// queued actions are replayed against. It validates each action, applies it
// at most once per (device, idempotency key) and materializes the records it
// carries.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package vaxserver

import (
	"encoding/json"
	"time"
)

// Record kinds materialized by the server.
const (
	KindVaccination = "vaccination"
	KindChild       = "child"
	KindMother      = "mother"
	KindAppointment = "appointment"
	KindVisit       = "visit"
)

// Response statuses.
const (
	StApplied   = "applied"
	StDuplicate = "duplicate"
)

// Action is one replayed client action after authentication.
type Action struct {
	Name           string
	UserID         string
	DeviceID       string
	IdempotencyKey string
	QueuedAt       time.Time // zero when the client did not send X-Queued-At
	Kind           string
	RecordID       string
	Payload        json.RawMessage
}

// ActionResponse is returned for applied and duplicate actions.
type ActionResponse struct {
	Status string `json:"status"`
	Kind   string `json:"kind,omitempty"`
	ID     string `json:"id,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type TokenRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Device   string `json:"device"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"` // seconds
	User      string `json:"user"`
	Device    string `json:"device"`
}
