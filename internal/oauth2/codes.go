// Copyright 2026 The OneIDP Authors
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

package oauth2

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"math/big"
)

// VerificationAlphabet excludes 0/O/1/I so codes survive being read
// aloud or retyped from a screenshot.
const VerificationAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// DefaultVerificationCodeLength is the code length when the
// configuration does not override it.
const DefaultVerificationCodeLength = 6

// NewVerificationCode generates a short human-typable code of the
// given length over VerificationAlphabet.
func NewVerificationCode(length int) string {
	if length <= 0 {
		length = DefaultVerificationCodeLength
	}
	max := big.NewInt(int64(len(VerificationAlphabet)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("oauth2: crypto/rand unavailable: " + err.Error())
		}
		b[i] = VerificationAlphabet[n.Int64()]
	}
	return string(b)
}

// NewAuthCode generates a URL-safe authorization code (256 bits).
func NewAuthCode() string {
	return randomURLSafe(32)
}

// NewToken generates a URL-safe access or refresh token (384 bits).
func NewToken() string {
	return randomURLSafe(48)
}

func randomURLSafe(bytes int) string {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		panic("oauth2: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// VerifyPKCE checks a code_verifier against the stored challenge
// (RFC 7636 Section 4.6). An empty method defaults to "plain".
func VerifyPKCE(challenge, method, verifier string) bool {
	switch method {
	case "", "plain":
		return constantTimeEqual(challenge, verifier)
	case "S256":
		hash := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(hash[:])
		return constantTimeEqual(challenge, computed)
	}
	return false
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
