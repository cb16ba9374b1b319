// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package errors_test

import (
	stdliberrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/antimetal/scenariotel/internal/errors"
)

func TestWrapKindOf(t *testing.T) {
	tests := []struct {
		name string
		kind errors.Kind
	}{
		{"privilege denied", errors.PrivilegeDenied},
		{"resource unavailable", errors.ResourceUnavailable},
		{"transient read failure", errors.TransientReadFailure},
		{"attach failed", errors.AttachFailed},
		{"cancelled", errors.Cancelled},
		{"fatal", errors.Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cause := stdliberrors.New("boom")
			err := errors.Wrap(tt.kind, cause)
			assert.Equal(t, tt.kind, errors.KindOf(err))
			assert.True(t, errors.Is(err, cause))
		})
	}
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, errors.Wrap(errors.Fatal, nil))
}

func TestKindOfUnwrapped(t *testing.T) {
	assert.Equal(t, errors.Unknown, errors.KindOf(stdliberrors.New("plain")))
}

func TestRetryable(t *testing.T) {
	err := errors.NewRetryable("connection reset")
	assert.True(t, errors.Retryable(err))
	assert.False(t, errors.Retryable(stdliberrors.New("plain")))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "AttachFailed", errors.AttachFailed.String())
	assert.Equal(t, "Unknown", errors.Kind(99).String())
}
