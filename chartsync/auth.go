// Copyright 2025 Chartstack Authors
// SPDX-License-Identifier: Apache-2.0

package chartsync

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StaticTokenSource returns a TokenSource that always yields token.
func StaticTokenSource(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// DeviceClaims are the claims minted for device-scoped sync tokens.
type DeviceClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// NewJWTTokenSource mints short-lived HS256 tokens carrying the user id in
// the subject claim and the device id in "did". Each call to the source
// issues a fresh token so long sync sessions never present an expired one.
func NewJWTTokenSource(secret []byte, userID, deviceID string, ttl time.Duration) TokenSource {
	return func(context.Context) (string, error) {
		now := time.Now()
		claims := &DeviceClaims{
			DeviceID: deviceID,
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
				IssuedAt:  jwt.NewNumericDate(now),
				NotBefore: jwt.NewNumericDate(now),
				Issuer:    "chartsync",
				Subject:   userID,
			},
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		return token.SignedString(secret)
	}
}
