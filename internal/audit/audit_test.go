// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates that sensitive keys are correctly identified as secrets to prevent them from being logged in plaintext.
// Scope: Unit Test
// Security: Data Masking and Leakage Prevention (CWE-532)
// Expected: Returns true for keys containing 'password', 'token', 'secret', etc., and false for non-sensitive keys.
// Test Case ID: AUD-01
func TestAudit_IsSecret(t *testing.T) {
	tests := []struct {
		key      string
		isSecret bool
	}{
		{"password", true},
		{"Password", true},
		{"PASSWORD", true},
		{"token", true},
		{"refresh_token", true},
		{"secret", true},
		{"api_key", true},
		{"token_hash", true},
		{"code_verifier", true},
		{"credential", true},
		{"private_key", true},
		{"subject_id", false},
		{"tenant_id", false},
		{"reason", false},
		{"status", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.isSecret, isSecret(tt.key))
		})
	}
}

// TestPurpose: Ensures audit records redact secret metadata and escalate replay events.
// Scope: Unit Test
// Security: Refresh replay is a compromise signal and must stand out in logs.
// Expected: Secret metadata is "[REDACTED]" and replay events are logged at WARN.
func TestSlogLogger_Log(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	l.Log(context.Background(), Event{
		Type:     TypeRefreshReplayDetected,
		ActorID:  "user-1",
		Metadata: map[string]any{"refresh_token": "raw-value", "reason": "reuse"},
	})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))

	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "refresh_replay_detected", rec["audit_type"])
	assert.Equal(t, "audit", rec["component"])
	meta := rec["metadata"].(map[string]any)
	assert.Equal(t, "[REDACTED]", meta["refresh_token"])
	assert.Equal(t, "reuse", meta["reason"])
	assert.NotContains(t, buf.String(), "raw-value")
}
