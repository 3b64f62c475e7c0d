// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package vaxstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Vaccination statuses.
const (
	VaccinationPending      = "pending"
	VaccinationAdministered = "administered"
	VaccinationMissed       = "missed"
)

const dateLayout = "2006-01-02"

type Child struct {
	ID          string `json:"id"`
	MotherID    string `json:"motherId"`
	Name        string `json:"name"`
	DateOfBirth string `json:"dateOfBirth"`
	Gender      string `json:"gender,omitempty"`
	FacilityID  string `json:"facilityId,omitempty"`
}

type Vaccination struct {
	ID               string `json:"id"`
	ChildID          string `json:"childId"`
	VaccineID        string `json:"vaccineId"`
	Dose             int    `json:"dose,omitempty"`
	DueDate          string `json:"dueDate"`
	AdministeredDate string `json:"administeredDate,omitempty"`
	Status           string `json:"status"`
	FacilityID       string `json:"facilityId,omitempty"`
}

type Mother struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Village string `json:"village,omitempty"`
	CHWID   string `json:"chwId,omitempty"`
}

// CHW is a community health worker.
type CHW struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	FacilityID string `json:"facilityId"`
}

type Facility struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type,omitempty"`
	County string `json:"county,omitempty"`
}

type Setting struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Records bundles the typed collections of the default schema together with
// the lookups built on top of them.
type Records struct {
	Children     *Collection[Child]
	Vaccinations *Collection[Vaccination]
	Mothers      *Collection[Mother]
	CHWs         *Collection[CHW]
	Facilities   *Collection[Facility]
	Settings     *Collection[Setting]

	now func() time.Time
}

// NewRecords returns typed access to store. now defaults to time.Now.
func NewRecords(store *Store, now func() time.Time) *Records {
	if now == nil {
		now = time.Now
	}
	return &Records{
		Children:     NewCollection[Child](store, CollectionChildren),
		Vaccinations: NewCollection[Vaccination](store, CollectionVaccinations),
		Mothers:      NewCollection[Mother](store, CollectionMothers),
		CHWs:         NewCollection[CHW](store, CollectionCHWs),
		Facilities:   NewCollection[Facility](store, CollectionFacilities),
		Settings:     NewCollection[Setting](store, CollectionSettings),
		now:          now,
	}
}

func (r *Records) ChildrenOfMother(ctx context.Context, motherID string) ([]Child, error) {
	return r.Children.Find(ctx, "motherId", motherID)
}

func (r *Records) VaccinationsOfChild(ctx context.Context, childID string) ([]Vaccination, error) {
	return r.Vaccinations.Find(ctx, "childId", childID)
}

// DueVaccinations returns pending vaccinations due between today and
// today+withinDays inclusive, ordered by due date.
func (r *Records) DueVaccinations(ctx context.Context, withinDays int) ([]Vaccination, error) {
	today := r.now().Format(dateLayout)
	limit := r.now().AddDate(0, 0, withinDays).Format(dateLayout)
	return r.pendingWhere(ctx, func(due string) bool {
		return due >= today && due <= limit
	})
}

// Defaulters returns pending vaccinations whose due date has already passed.
func (r *Records) Defaulters(ctx context.Context) ([]Vaccination, error) {
	today := r.now().Format(dateLayout)
	return r.pendingWhere(ctx, func(due string) bool {
		return due < today
	})
}

func (r *Records) pendingWhere(ctx context.Context, keep func(due string) bool) ([]Vaccination, error) {
	pending, err := r.Vaccinations.Find(ctx, "status", VaccinationPending)
	if err != nil {
		return nil, err
	}
	out := pending[:0]
	for _, v := range pending {
		due := dateOnly(v.DueDate)
		if due == "" {
			continue
		}
		if keep(due) {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return dateOnly(out[i].DueDate) < dateOnly(out[j].DueDate) })
	return out, nil
}

// dateOnly accepts "2006-01-02" and RFC 3339 timestamps.
func dateOnly(s string) string {
	if len(s) < len(dateLayout) {
		return ""
	}
	d := s[:len(dateLayout)]
	if _, err := time.Parse(dateLayout, d); err != nil {
		return ""
	}
	return d
}

// GetSetting decodes the setting stored under key into dst.
func (r *Records) GetSetting(ctx context.Context, key string, dst any) (bool, error) {
	s, found, err := r.Settings.Get(ctx, key)
	if err != nil || !found {
		return found, err
	}
	if err := json.Unmarshal(s.Value, dst); err != nil {
		return true, fmt.Errorf("failed to decode setting %s: %w", key, err)
	}
	return true, nil
}

func (r *Records) SetSetting(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", key, err)
	}
	_, err = r.Settings.Put(ctx, Setting{Key: key, Value: raw})
	return err
}
