// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package httpreconstruct

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/scenariotel/internal/config"
	"github.com/antimetal/scenariotel/internal/store"
)

func newTestManager(t *testing.T, apps ...config.ManagedApp) (*Manager, *store.Store, int64) {
	t.Helper()
	st, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	runID, err := st.InsertRun(store.Run{MachineName: "test-host"})
	require.NoError(t, err)

	m := New(logr.Discard(), st, runID, apps, time.Second)
	return m, st, runID
}

var webApp = config.ManagedApp{
	Name:        "web",
	ProcessName: "web.exe",
	Enabled:     true,
	HTTPMonitoring: config.HTTPMonitoring{
		Enabled:               true,
		EndpointGrouping:      config.HostOnly,
		BucketIntervalSeconds: 5,
	},
}

func TestClassifyEventSuffixes(t *testing.T) {
	assert.Equal(t, eventStart, classify("Microsoft.AspNetCore.Hosting.HttpRequestIn.Start"))
	assert.Equal(t, eventStop, classify("Microsoft.AspNetCore.Hosting.HttpRequestIn.Stop"))
	assert.Equal(t, eventFailed, classify("Microsoft.AspNetCore.Hosting.HttpRequestIn.Failed"))
	assert.Equal(t, eventUnknown, classify("SomethingElse"))
}

func TestEndpointGroupHostOnly(t *testing.T) {
	assert.Equal(t, "example.com", endpointGroup(config.HostOnly, "Example.com", "/anything"))
	assert.Equal(t, "(unknown)", endpointGroup(config.HostOnly, "", "/x"))
}

func TestEndpointGroupHostAndFirstPathSegment(t *testing.T) {
	assert.Equal(t, "example.com:api", endpointGroup(config.HostAndFirstPathSegment, "Example.com", "/API/v1/widgets"))
	assert.Equal(t, "example.com:", endpointGroup(config.HostAndFirstPathSegment, "example.com", "/"))
}

func TestHandleStartThenStopRecordsBucket(t *testing.T) {
	m, _, runID := newTestManager(t, webApp)
	sess := &processSession{pid: 1, name: "web.exe", app: webApp}

	m.handleStart(sess, map[string]string{
		"id": "corr-1", "method": "GET", "host": "example.com", "path": "/widgets",
	})
	_, attached := sess.active.Load("corr-1")
	assert.True(t, attached)

	m.handleStop(sess, map[string]string{"id": "corr-1", "status": "200", "duration": "12.5"})
	_, stillAttached := sess.active.Load("corr-1")
	assert.False(t, stillAttached)

	samples := m.flushOnce()
	require.Len(t, samples, 1)
	assert.Equal(t, runID, samples[0].RunID)
	assert.Equal(t, "example.com", samples[0].EndpointGroup)
	assert.Equal(t, int64(1), samples[0].RequestCount)
	assert.Equal(t, int64(1), samples[0].SuccessCount)
	assert.Equal(t, 12.5, samples[0].TotalDurationMS)
}

func TestHandleStopWithoutStartIsIgnored(t *testing.T) {
	m, _, _ := newTestManager(t, webApp)
	sess := &processSession{pid: 1, name: "web.exe", app: webApp}

	m.handleStop(sess, map[string]string{"id": "ghost", "status": "200"})
	samples := m.flushOnce()
	assert.Empty(t, samples)
}

func TestHandleStartMissingCorrelationIDIsNoop(t *testing.T) {
	m, _, _ := newTestManager(t, webApp)
	sess := &processSession{pid: 1, name: "web.exe", app: webApp}
	m.handleStart(sess, map[string]string{"method": "GET"})

	count := 0
	sess.active.Range(func(_, _ any) bool { count++; return true })
	assert.Zero(t, count)
}

func TestStatusBucketing(t *testing.T) {
	m, _, _ := newTestManager(t, webApp)
	sess := &processSession{pid: 1, name: "web.exe", app: webApp}

	for i, status := range []string{"200", "404", "500", "301"} {
		corr := string(rune('a' + i))
		m.handleStart(sess, map[string]string{"id": corr, "host": "example.com", "path": "/x"})
		m.handleStop(sess, map[string]string{"id": corr, "status": status, "duration": "1"})
	}

	samples := m.flushOnce()
	require.Len(t, samples, 1)
	s := samples[0]
	assert.Equal(t, int64(4), s.RequestCount)
	assert.Equal(t, int64(1), s.SuccessCount)
	assert.Equal(t, int64(1), s.Status4xxCount)
	assert.Equal(t, int64(1), s.Status5xxCount)
	assert.Equal(t, int64(1), s.OtherCount)
}

func TestSweepOrphansEvictsOldActiveRequests(t *testing.T) {
	m, _, _ := newTestManager(t, webApp)
	sess := &processSession{pid: 1, name: "web.exe", app: webApp}
	m.attached.Store(int32(1), sess)

	old := time.Now().Add(-6 * time.Minute)
	sess.active.Store("corr-old", activeRequest{start: old, host: "example.com", path: "/x"})
	sess.active.Store("corr-fresh", activeRequest{start: time.Now(), host: "example.com", path: "/y"})

	evicted := m.sweepOrphans(time.Now(), orphanThreshold)
	assert.Equal(t, 1, evicted)

	_, oldStillThere := sess.active.Load("corr-old")
	assert.False(t, oldStillThere)
	_, freshStillThere := sess.active.Load("corr-fresh")
	assert.True(t, freshStillThere)
}

func TestFlushOnceClearsBuckets(t *testing.T) {
	m, _, _ := newTestManager(t, webApp)
	sess := &processSession{pid: 1, name: "web.exe", app: webApp}
	m.handleStart(sess, map[string]string{"id": "c1", "host": "example.com", "path": "/x"})
	m.handleStop(sess, map[string]string{"id": "c1", "status": "200", "duration": "1"})

	first := m.flushOnce()
	assert.Len(t, first, 1)

	second := m.flushOnce()
	assert.Empty(t, second)
}

func TestNewFiltersToHTTPMonitoredApps(t *testing.T) {
	noHTTP := config.ManagedApp{Name: "worker", ProcessName: "worker.exe", Enabled: true}
	m, _, _ := newTestManager(t, webApp, noHTTP)

	_, ok := m.apps[normalize("web.exe")]
	assert.True(t, ok)
	_, ok = m.apps[normalize("worker.exe")]
	assert.False(t, ok)
}
