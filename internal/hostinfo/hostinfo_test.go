// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package hostinfo

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsSystemDrive(t *testing.T) {
	s := New(logr.Discard(), "")
	assert.Equal(t, "C:\\", s.systemDrive)
}

func TestNewKeepsExplicitSystemDrive(t *testing.T) {
	s := New(logr.Discard(), "D:\\")
	assert.Equal(t, "D:\\", s.systemDrive)
}

func TestBytesToMB(t *testing.T) {
	assert.Equal(t, float64(1), bytesToMB(1024*1024))
	assert.Equal(t, float64(0), bytesToMB(0))
	assert.InDelta(t, 1.5, bytesToMB(1024*1024*3/2), 0.0001)
}
