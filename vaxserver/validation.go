// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package vaxserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/replay"
)

var (
	ErrBadPayload    = errors.New("bad_payload")
	ErrUnknownAction = errors.New("unknown_action")
)

type actionRule struct {
	kind     string
	update   bool     // record id comes from the path
	required []string // top-level payload fields
}

var actionRules = map[string]actionRule{
	replay.ActionRecordVaccination:   {kind: KindVaccination, required: []string{"childId", "vaccineId"}},
	replay.ActionUpdateVaccination:   {kind: KindVaccination, update: true},
	replay.ActionRegisterChild:       {kind: KindChild, required: []string{"name", "dateOfBirth"}},
	replay.ActionUpdateChild:         {kind: KindChild, update: true},
	replay.ActionRegisterMother:      {kind: KindMother, required: []string{"name"}},
	replay.ActionUpdateMother:        {kind: KindMother, update: true},
	replay.ActionScheduleAppointment: {kind: KindAppointment, required: []string{"childId", "date"}},
	replay.ActionRecordVisit:         {kind: KindVisit, required: []string{"motherId"}},
}

// KnownActions lists every action the server accepts.
func KnownActions() []string {
	out := make([]string, 0, len(actionRules))
	for name := range actionRules {
		out = append(out, name)
	}
	return out
}

// validateAction checks the payload and fills Kind and RecordID.
func (s *ActionService) validateAction(a *Action) error {
	rule, ok := actionRules[a.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, a.Name)
	}
	if a.DeviceID == "" {
		return fmt.Errorf("%w: device id required", ErrBadPayload)
	}
	if a.IdempotencyKey == "" {
		return fmt.Errorf("%w: %s header required", ErrBadPayload, replay.HeaderIdempotencyKey)
	}
	if s.config.MaxPayloadBytes > 0 && len(a.Payload) > s.config.MaxPayloadBytes {
		return fmt.Errorf("%w: payload too large: %d > %d", ErrBadPayload, len(a.Payload), s.config.MaxPayloadBytes)
	}

	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(a.Payload))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return fmt.Errorf("%w: payload must be a JSON object", ErrBadPayload)
	}
	for _, name := range rule.required {
		if !present(fields[name]) {
			return fmt.Errorf("%w: field %q required for %s", ErrBadPayload, name, a.Name)
		}
	}

	payloadID := idString(fields["id"])
	switch {
	case rule.update:
		if a.RecordID == "" {
			return fmt.Errorf("%w: record id required for %s", ErrBadPayload, a.Name)
		}
		if payloadID != "" && payloadID != a.RecordID {
			return fmt.Errorf("%w: payload id %q does not match %q", ErrBadPayload, payloadID, a.RecordID)
		}
	case payloadID != "":
		a.RecordID = payloadID
	default:
		a.RecordID = uuid.NewString()
	}
	a.Kind = rule.kind
	return nil
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	default:
		return true
	}
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
