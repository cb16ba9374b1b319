// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antimetal/scenariotel/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertRunAssignsMonotonicID(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.InsertRun(store.Run{MachineName: "host-a"})
	require.NoError(t, err)
	id2, err := s.InsertRun(store.Run{MachineName: "host-b"})
	require.NoError(t, err)
	require.Greater(t, id2, id1)
}

func TestUpdateRunEndSetsOnce(t *testing.T) {
	s := openTestStore(t)
	runID, err := s.InsertRun(store.Run{MachineName: "host-a"})
	require.NoError(t, err)

	end := time.Now().UTC()
	require.NoError(t, s.UpdateRunEnd(runID, end, 2*time.Second))

	run, err := s.GetRun(runID)
	require.NoError(t, err)
	require.NotNil(t, run.EndedAt)
	require.InDelta(t, 2.0, run.DurationSeconds, 0.001)
}

func TestSystemSampleAndProcessSampleParentage(t *testing.T) {
	s := openTestStore(t)
	runID, err := s.InsertRun(store.Run{})
	require.NoError(t, err)

	t1 := time.Now().UTC()
	sysID, err := s.InsertSystemSample(store.SystemSample{RunID: runID, Timestamp: t1})
	require.NoError(t, err)

	err = s.InsertProcessSamples([]store.ProcessSample{
		{RunID: runID, SystemSampleID: sysID, ProcessName: "child", CPUPercent: 3.5},
	})
	require.NoError(t, err)

	samples, err := s.ListSystemSamples(runID)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, sysID, samples[0].ID)
}

func TestSystemSampleOrderingIsInsertionOrder(t *testing.T) {
	s := openTestStore(t)
	runID, err := s.InsertRun(store.Run{})
	require.NoError(t, err)

	base := time.Now().UTC()
	var last time.Time
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Millisecond)
		_, err := s.InsertSystemSample(store.SystemSample{RunID: runID, Timestamp: ts})
		require.NoError(t, err)
		last = ts
	}

	samples, err := s.ListSystemSamples(runID)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	for i := 1; i < len(samples); i++ {
		require.True(t, samples[i].Timestamp.After(samples[i-1].Timestamp))
	}
	require.Equal(t, last, samples[2].Timestamp)
}

func TestInsertMarkerAndList(t *testing.T) {
	s := openTestStore(t)
	runID, err := s.InsertRun(store.Run{})
	require.NoError(t, err)

	_, err = s.InsertMarker(store.Marker{RunID: runID, Type: store.MarkerTypeProcessStarted, Level: store.MarkerLevelInfo, Label: "Process child.exe (PID 1) started."})
	require.NoError(t, err)
	_, err = s.InsertMarker(store.Marker{RunID: runID, Type: store.MarkerTypeProcessExited, Level: store.MarkerLevelInfo, Label: "Process child.exe (PID 1) exited with code 0."})
	require.NoError(t, err)

	markers, err := s.ListMarkers(runID)
	require.NoError(t, err)
	require.Len(t, markers, 2)
	require.Equal(t, store.MarkerTypeProcessStarted, markers[0].Type)
	require.Equal(t, store.MarkerTypeProcessExited, markers[1].Type)
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := store.Open("")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestWriteAfterCloseFails(t *testing.T) {
	s, err := store.Open("")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.InsertRun(store.Run{})
	require.Error(t, err)
}

func TestBatchInsertEmptyIsNoop(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.InsertProcessSamples(nil))
	require.NoError(t, s.InsertHTTPSamples(nil))
	require.NoError(t, s.InsertManagedRuntimeSamples(nil))
}
