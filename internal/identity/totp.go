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

package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// RFC 6238 parameters used by common authenticator apps.
const (
	totpPeriod     = 30 * time.Second
	totpDigits     = 6
	totpWindow     = 1
	totpSecretSize = 20
)

var totpEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateTOTPSecret returns a random 160-bit seed, base32 encoded without padding.
func GenerateTOTPSecret() (string, error) {
	b := make([]byte, totpSecretSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate totp secret: %w", err)
	}
	return totpEncoding.EncodeToString(b), nil
}

// TOTP computes the code for secret at t.
func TOTP(secret string, t time.Time) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	return hotp(key, uint64(t.Unix()/int64(totpPeriod/time.Second))), nil
}

// VerifyTOTP accepts the code for the current step or one step either side.
func VerifyTOTP(secret, code string, now time.Time) bool {
	if len(code) != totpDigits {
		return false
	}
	key, err := decodeSecret(secret)
	if err != nil {
		return false
	}

	step := now.Unix() / int64(totpPeriod/time.Second)
	ok := 0
	for i := -totpWindow; i <= totpWindow; i++ {
		ok |= subtle.ConstantTimeCompare([]byte(hotp(key, uint64(step+int64(i)))), []byte(code))
	}
	return ok == 1
}

func decodeSecret(secret string) ([]byte, error) {
	s := strings.ToUpper(strings.TrimRight(strings.ReplaceAll(secret, " ", ""), "="))
	key, err := totpEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid totp secret: %w", err)
	}
	return key, nil
}

// hotp is RFC 4226 with dynamic truncation.
func hotp(key []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%0*d", totpDigits, value%1_000_000)
}
