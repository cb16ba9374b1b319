// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proctrack

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
)

func newTestTracker(monitored ...string) *Tracker {
	return New(logr.Discard(), nil, 1, monitored)
}

func TestNormalizeNameStripsExtensionAndCase(t *testing.T) {
	assert.Equal(t, "child", normalizeName("Child.EXE"))
	assert.Equal(t, "child", normalizeName("child"))
}

func TestCPUPercentFirstObservationIsZero(t *testing.T) {
	tr := newTestTracker("child")
	tr.active[42] = &trackedProcess{name: "child"}

	pct := tr.CPUPercent(42, 10.0, time.Second, 4)
	assert.Equal(t, 0.0, pct)
}

func TestCPUPercentComputesDeltaOverIntervalTimesCores(t *testing.T) {
	tr := newTestTracker("child")
	tr.active[42] = &trackedProcess{name: "child"}

	tr.CPUPercent(42, 10.0, time.Second, 4)
	pct := tr.CPUPercent(42, 10.4, time.Second, 4)
	// (10.4 - 10.0) / (1 * 4) * 100 == 10.0
	assert.InDelta(t, 10.0, pct, 0.0001)
}

func TestCPUPercentClampsNegativeDeltaToZero(t *testing.T) {
	tr := newTestTracker("child")
	tr.active[42] = &trackedProcess{name: "child"}

	tr.CPUPercent(42, 10.0, time.Second, 4)
	pct := tr.CPUPercent(42, 5.0, time.Second, 4)
	assert.Equal(t, 0.0, pct)
}

func TestCPUPercentUnknownPidIsZero(t *testing.T) {
	tr := newTestTracker("child")
	assert.Equal(t, 0.0, tr.CPUPercent(999, 10.0, time.Second, 4))
}

func TestArrivalHooksNotifiedInOrder(t *testing.T) {
	tr := newTestTracker("child")
	var order []int

	tr.OnArrival(func(_ context.Context, ev ArrivalEvent) { order = append(order, 1) })
	tr.OnArrival(func(_ context.Context, ev ArrivalEvent) { order = append(order, 2) })

	tr.notify(context.Background(), ArrivalEvent{Pid: 1, Name: "child"})
	assert.Equal(t, []int{1, 2}, order)
}
