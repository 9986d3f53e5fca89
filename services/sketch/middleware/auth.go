// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/gin-gonic/gin"
)

// ErrUnauthorized is returned by a TokenVerifier when the token does not
// resolve to an identity. The websocket handler treats it as fatal to the
// connection (close code 4001).
var ErrUnauthorized = errors.New("unauthorized")

// TokenVerifier resolves a connection token to an opaque user identity.
//
// # Description
//
// Token verification is an external collaborator: production deployments
// validate JWTs against an identity provider. The service only needs the
// resulting opaque user id, so the interface is a single method and the
// rest of the system never inspects the token.
type TokenVerifier interface {
	// Verify resolves token to a user id or returns ErrUnauthorized.
	Verify(ctx context.Context, token string) (string, error)
}

// DevTokenVerifier derives a stable pseudo-identity from the token itself.
// It stands in for real JWT verification in local deployments: any token of
// at least minTokenLen characters maps deterministically to a user id.
type DevTokenVerifier struct{}

const minTokenLen = 10

// Verify implements TokenVerifier.
func (DevTokenVerifier) Verify(_ context.Context, token string) (string, error) {
	if len(token) < minTokenLen {
		return "", ErrUnauthorized
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return fmt.Sprintf("user_%05d", h.Sum32()%100000), nil
}

// userIDKey is the Gin context key for the authenticated user id.
const userIDKey = "sketch_user_id"

// SetUserID stores the authenticated identity in the Gin context so the
// rate limiter can key by user instead of address.
func SetUserID(c *gin.Context, userID string) {
	c.Set(userIDKey, userID)
}

// GetUserID returns the authenticated identity or "" when the request has
// not been authenticated.
func GetUserID(c *gin.Context) string {
	if v, ok := c.Get(userIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
