// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package vaxstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const deviceIDSetting = "deviceId"

// DeviceID returns the stable identifier of this device, generating and
// persisting a new UUID on first use.
func (r *Records) DeviceID(ctx context.Context) (string, error) {
	var id string
	found, err := r.GetSetting(ctx, deviceIDSetting, &id)
	if err != nil {
		return "", err
	}
	if found && id != "" {
		return id, nil
	}

	id = uuid.NewString()
	raw := []byte(fmt.Sprintf("%q", id))
	if _, err := r.Settings.Add(ctx, Setting{Key: deviceIDSetting, Value: raw}); err != nil {
		if !errors.Is(err, ErrDuplicateKey) {
			return "", fmt.Errorf("failed to persist device id: %w", err)
		}
		// Lost a race with another caller: use the stored value.
		if _, err := r.GetSetting(ctx, deviceIDSetting, &id); err != nil {
			return "", err
		}
	}
	return id, nil
}
