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

package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments holds the token core's counters. A nil *Instruments records nothing.
type Instruments struct {
	tokensIssued     metric.Int64Counter
	verifyRejected   metric.Int64Counter
	refreshReplays   metric.Int64Counter
	keyRotations     metric.Int64Counter
	activeKeys       metric.Int64UpDownCounter
	codeExchanges    metric.Int64Counter
	revocationWrites metric.Int64Counter
}

// NewInstruments registers the token core instruments on m.
func NewInstruments(m *Meter) (*Instruments, error) {
	var (
		in  Instruments
		err error
	)

	if in.tokensIssued, err = m.CreateCounter("tokencore_tokens_issued_total", "Tokens issued, by kind"); err != nil {
		return nil, err
	}
	if in.verifyRejected, err = m.CreateCounter("tokencore_verify_rejected_total", "Access tokens rejected, by reason"); err != nil {
		return nil, err
	}
	if in.refreshReplays, err = m.CreateCounter("tokencore_refresh_replay_total", "Refresh tokens presented after rotation"); err != nil {
		return nil, err
	}
	if in.keyRotations, err = m.CreateCounter("tokencore_key_rotations_total", "Signing keys generated or purged, by action"); err != nil {
		return nil, err
	}
	if in.activeKeys, err = m.CreateUpDownCounter("tokencore_keys_verifiable", "Keys currently inside their verification window"); err != nil {
		return nil, err
	}
	if in.codeExchanges, err = m.CreateCounter("tokencore_code_exchanges_total", "Authorization code exchanges, by outcome"); err != nil {
		return nil, err
	}
	if in.revocationWrites, err = m.CreateCounter("tokencore_revocations_total", "Revocation marks written"); err != nil {
		return nil, err
	}

	return &in, nil
}

func (i *Instruments) TokenIssued(ctx context.Context, kind string) {
	if i == nil {
		return
	}
	i.tokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (i *Instruments) VerifyRejected(ctx context.Context, reason string) {
	if i == nil {
		return
	}
	i.verifyRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (i *Instruments) RefreshReplay(ctx context.Context) {
	if i == nil {
		return
	}
	i.refreshReplays.Add(ctx, 1)
}

// KeysChanged records a rotation outcome and adjusts the verifiable-key gauge.
func (i *Instruments) KeysChanged(ctx context.Context, generated, purged int) {
	if i == nil {
		return
	}
	if generated > 0 {
		i.keyRotations.Add(ctx, int64(generated), metric.WithAttributes(attribute.String("action", "generated")))
	}
	if purged > 0 {
		i.keyRotations.Add(ctx, int64(purged), metric.WithAttributes(attribute.String("action", "purged")))
	}
	if delta := generated - purged; delta != 0 {
		i.activeKeys.Add(ctx, int64(delta))
	}
}

func (i *Instruments) CodeExchange(ctx context.Context, outcome string) {
	if i == nil {
		return
	}
	i.codeExchanges.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (i *Instruments) Revoked(ctx context.Context) {
	if i == nil {
		return
	}
	i.revocationWrites.Add(ctx, 1)
}
