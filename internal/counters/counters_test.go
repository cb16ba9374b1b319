// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package counters_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"

	"github.com/antimetal/scenariotel/internal/counters"
	"github.com/antimetal/scenariotel/internal/hostinfo"
)

func TestNewWithDiskAndNetworkDisabled(t *testing.T) {
	hostSrc := hostinfo.New(logr.Discard(), "")
	r := counters.New(context.Background(), logr.Discard(), hostSrc, false, false)
	defer r.Close()

	snap := r.Snapshot(context.Background(), time.Second)
	assert.Nil(t, snap.DiskReadsPerSec)
	assert.Nil(t, snap.NetBytesSentPerSec)
}

func TestSnapshotNeverPanicsWithDiskEnabled(t *testing.T) {
	hostSrc := hostinfo.New(logr.Discard(), "")
	r := counters.New(context.Background(), logr.Discard(), hostSrc, true, false)
	defer r.Close()

	assert.NotPanics(t, func() {
		r.Snapshot(context.Background(), 250*time.Millisecond)
	})
}

func TestCloseIsIdempotent(t *testing.T) {
	hostSrc := hostinfo.New(logr.Discard(), "")
	r := counters.New(context.Background(), logr.Discard(), hostSrc, false, false)
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}
