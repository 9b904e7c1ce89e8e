// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mterrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIDs(t *testing.T) {
	err := MTP0001(int32(7))
	assert.Equal(t, "MTP0001: unexpected pool state 7", err.Error())
	assert.Equal(t, CodeInternal, err.Code)
	assert.NotEmpty(t, err.Description)

	err = MTP0002()
	assert.Equal(t, "MTP0002: invalid pool handle", err.Error())
	assert.Equal(t, CodeInvalidArgument, err.Code)
}

func TestErrorWithCause(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := MTP0003(cause, "orders")

	assert.Equal(t, "MTP0003: forced close of pool orders failed: connection reset by peer", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Same(t, err.Err, err.Cause())
}

func TestErrorsIsMatchesByID(t *testing.T) {
	wrapped := fmt.Errorf("quiesce: %w", MTP0004(errors.New("dial"), "p1"))

	require.ErrorIs(t, wrapped, MTP0004(nil, "other"))
	assert.NotErrorIs(t, wrapped, MTP0005(nil, "p1"))
	assert.True(t, IsError(wrapped, "MTP0004"))
	assert.False(t, IsError(wrapped, "MTP0001"))
	assert.False(t, IsError(nil, "MTP0001"))
	assert.Equal(t, CodeUnavailable, CodeOf(wrapped))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}

func TestIsErrorFindsNestedCause(t *testing.T) {
	err := fmt.Errorf("resume: %w", MTP0004(MTP0002(), "p1"))

	assert.True(t, IsError(err, "MTP0004"))
	assert.True(t, IsError(err, "MTP0002"))
	assert.False(t, IsError(err, "MTP0005"))
	assert.True(t, IsError(errors.New("remote: MTP0003: close failed"), "MTP0003"))
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "FAILED_PRECONDITION", CodeFailedPrecondition.String())
	assert.Equal(t, "Code(42)", Code(42).String())
}
