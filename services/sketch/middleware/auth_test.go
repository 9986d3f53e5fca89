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
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevTokenVerifier_ShortTokenRejected(t *testing.T) {
	v := DevTokenVerifier{}

	_, err := v.Verify(context.Background(), "short")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = v.Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestDevTokenVerifier_DeterministicIdentity(t *testing.T) {
	v := DevTokenVerifier{}

	id1, err := v.Verify(context.Background(), "dev-token-alpha")
	require.NoError(t, err)
	id2, err := v.Verify(context.Background(), "dev-token-alpha")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.True(t, strings.HasPrefix(id1, "user_"))

	other, err := v.Verify(context.Background(), "dev-token-beta")
	require.NoError(t, err)
	assert.NotEqual(t, id1, other)
}

func TestUserIDContextHelpers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	assert.Equal(t, "", GetUserID(c))
	SetUserID(c, "user_00042")
	assert.Equal(t, "user_00042", GetUserID(c))
}
