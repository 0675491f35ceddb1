// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package store

import (
	"encoding/json"

	"github.com/s0up4200/qgov/internal/domain"
)

// decodeCondition parses a remove rule's condition JSON column. Grounded
// on models.trackerRule's json.Marshal/Unmarshal(Conditions) column
// pattern, narrowed to domain.RemoveCondition's fixed predicate set.
func decodeCondition(raw string) (domain.RemoveCondition, error) {
	var c domain.RemoveCondition
	if raw == "" {
		return c, nil
	}
	err := json.Unmarshal([]byte(raw), &c)
	return c, err
}

func encodeCondition(c domain.RemoveCondition) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
