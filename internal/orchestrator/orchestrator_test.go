// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package orchestrator

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/scenariotel/internal/config"
	"github.com/antimetal/scenariotel/internal/proctrack"
)

func TestHTTPFlushIntervalDefaultsWhenNoAppHasMonitoring(t *testing.T) {
	apps := []config.ManagedApp{
		{Name: "a", ProcessName: "a.exe", Enabled: true},
	}
	assert.Equal(t, time.Second, httpFlushInterval(apps))
}

func TestHTTPFlushIntervalPicksMinimumAcrossApps(t *testing.T) {
	apps := []config.ManagedApp{
		{Name: "a", ProcessName: "a.exe", Enabled: true, HTTPMonitoring: config.HTTPMonitoring{Enabled: true, BucketIntervalSeconds: 10}},
		{Name: "b", ProcessName: "b.exe", Enabled: true, HTTPMonitoring: config.HTTPMonitoring{Enabled: true, BucketIntervalSeconds: 3}},
	}
	assert.Equal(t, 3*time.Second, httpFlushInterval(apps))
}

func TestHTTPFlushIntervalIgnoresDisabledApps(t *testing.T) {
	apps := []config.ManagedApp{
		{Name: "a", ProcessName: "a.exe", Enabled: false, HTTPMonitoring: config.HTTPMonitoring{Enabled: true, BucketIntervalSeconds: 2}},
		{Name: "b", ProcessName: "b.exe", Enabled: true, HTTPMonitoring: config.HTTPMonitoring{Enabled: false, BucketIntervalSeconds: 2}},
	}
	assert.Equal(t, time.Second, httpFlushInterval(apps))
}

func TestAggregateProcessesEmptyWhenNoHandles(t *testing.T) {
	o := &Orchestrator{logger: logr.Discard(), ctx: t.Context()}
	got := o.aggregateProcesses(nil, time.Second)
	assert.Empty(t, got)
}

func TestAggregateProcessesNilHandlesReturnsNonNilMap(t *testing.T) {
	o := &Orchestrator{logger: logr.Discard(), ctx: t.Context()}
	var handles []*proctrack.Handle
	got := o.aggregateProcesses(handles, time.Second)
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestNewOpensInMemoryStore(t *testing.T) {
	cfg := config.Default()
	o, err := New(logr.Discard(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })

	assert.Zero(t, o.RunID())
	assert.Equal(t, config.DefaultSampleIntervalSeconds, o.cfg.SampleIntervalSeconds)
}
