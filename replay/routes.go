// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package replay

import "net/http"

// Actions understood by the remote API.
const (
	ActionRecordVaccination   = "recordVaccination"
	ActionUpdateVaccination   = "updateVaccination"
	ActionRegisterChild       = "registerChild"
	ActionUpdateChild         = "updateChild"
	ActionRegisterMother      = "registerMother"
	ActionUpdateMother        = "updateMother"
	ActionScheduleAppointment = "scheduleAppointment"
	ActionRecordVisit         = "recordVisit"
)

// DefaultRoutes maps every action to its endpoint.
func DefaultRoutes() map[string]Route {
	return map[string]Route{
		ActionRecordVaccination:   {Method: http.MethodPost, Path: "/api/vaccinations"},
		ActionUpdateVaccination:   {Method: http.MethodPut, Path: "/api/vaccinations/{id}"},
		ActionRegisterChild:       {Method: http.MethodPost, Path: "/api/children"},
		ActionUpdateChild:         {Method: http.MethodPut, Path: "/api/children/{id}"},
		ActionRegisterMother:      {Method: http.MethodPost, Path: "/api/mothers"},
		ActionUpdateMother:        {Method: http.MethodPut, Path: "/api/mothers/{id}"},
		ActionScheduleAppointment: {Method: http.MethodPost, Path: "/api/appointments"},
		ActionRecordVisit:         {Method: http.MethodPost, Path: "/api/visits"},
	}
}
