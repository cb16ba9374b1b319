// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package runtimesession is the Managed Runtime Session (C3): for each
// configured managed application, at most one diagnostic session per pid,
// consuming a counter-event stream and emitting periodic aggregated
// samples. It is grounded on the teacher's collector.go
// ContinuousPointCollector/attach-map pattern for the at-most-once-per-pid
// guarantee, generalized from a registry-keyed collector map to a sync.Map
// reserve-or-skip keyed by pid.
package runtimesession

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/scenariotel/internal/config"
	"github.com/antimetal/scenariotel/internal/diagchannel"
	"github.com/antimetal/scenariotel/internal/errors"
	"github.com/antimetal/scenariotel/internal/store"
)

// ProcessEnumerator lists currently running processes matching a name, for
// AttachExisting. It is satisfied by proctrack's enumeration helper; kept
// as an interface here to avoid an import cycle and to make it mockable.
type ProcessEnumerator interface {
	ProcessesNamed(name string) []int32
}

// Manager owns the attach lifecycle for Core-kind managed-runtime sessions.
type Manager struct {
	logger logr.Logger
	st     *store.Store
	runID  int64
	tick   time.Duration

	apps map[string]config.ManagedApp // keyed by normalized process name

	attached sync.Map // pid(int32) -> *session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type session struct {
	pid  int32
	name string
	app  config.ManagedApp
	ch   diagchannel.Channel
}

// New constructs the Manager, filtering apps to enabled entries only
// (spec §4.3).
func New(logger logr.Logger, st *store.Store, runID int64, tick time.Duration, apps []config.ManagedApp) *Manager {
	m := &Manager{
		logger: logger.WithName("runtimesession"),
		st:     st,
		runID:  runID,
		tick:   tick,
		apps:   make(map[string]config.ManagedApp),
	}
	for _, app := range apps {
		if !app.Enabled {
			continue
		}
		m.apps[normalize(app.ProcessName)] = app
	}
	return m
}

func normalize(name string) string {
	name = strings.ToLower(name)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

// Start records the cancellation scope every session inherits. It does not
// itself attach anything; call AttachExisting once the arrival wiring from
// C2 is in place.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
}

// AttachExisting enumerates current processes matching each configured
// app's executable name and attempts to attach to each.
func (m *Manager) AttachExisting(enumerator ProcessEnumerator) {
	for _, app := range m.apps {
		for _, pid := range enumerator.ProcessesNamed(app.ProcessName) {
			m.attach(pid, app.ProcessName, app)
		}
	}
}

// NotifyProcessStarted attaches to pid if name matches a configured app.
// Satisfies proctrack.ArrivalHandler's shape once bound by the
// Orchestrator.
func (m *Manager) NotifyProcessStarted(ctx context.Context, pid int32, name string) {
	app, ok := m.apps[normalize(name)]
	if !ok {
		return
	}
	m.attach(pid, name, app)
}

// attach provides the at-most-once-per-pid guarantee: LoadOrStore is the
// atomic reserve-or-skip. On session end the entry is removed, so a later
// arrival for the same pid is allowed to attach again.
func (m *Manager) attach(pid int32, name string, app config.ManagedApp) {
	placeholder := &session{pid: pid, name: name, app: app}
	if _, loaded := m.attached.LoadOrStore(pid, placeholder); loaded {
		return
	}

	ch, err := diagchannel.Open(m.ctx, m.logger, pid, []diagchannel.Provider{
		{Kind: diagchannel.ProviderRuntimeCounters, IntervalMS: m.tick.Milliseconds()},
	})
	if err != nil {
		m.attached.Delete(pid)
		wrapped := errors.Wrap(errors.AttachFailed, err)
		m.logger.Info("managed runtime attach failed", "pid", pid, "process", name, "error", wrapped.Error())
		return
	}
	placeholder.ch = ch

	m.wg.Add(1)
	go m.runSession(placeholder)
}

// runSession is the one-session-per-pid loop (spec §4.3 step 2-4): it
// accumulates the latest value per counter name and emits a sample no more
// often than every tick-0.2s, converting byte counters to MB.
func (m *Manager) runSession(s *session) {
	defer m.wg.Done()
	defer m.attached.Delete(s.pid)
	defer s.ch.Close()

	scratch := make(map[string]float64)
	minEmitGap := m.tick - 200*time.Millisecond
	if minEmitGap <= 0 {
		minEmitGap = m.tick
	}
	var lastEmit time.Time

	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-s.ch.Events():
			if !ok {
				return
			}
			applyCounterEvent(scratch, ev)
			if time.Since(lastEmit) >= minEmitGap {
				m.emit(s, scratch)
				lastEmit = time.Now()
			}
		}
	}
}

func applyCounterEvent(scratch map[string]float64, ev diagchannel.Event) {
	name, ok := ev.Payload["name"]
	if !ok {
		return
	}
	if raw, ok := ev.Payload["mean"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			scratch[name] = v
			return
		}
	}
	if raw, ok := ev.Payload["increment"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			scratch[name] += v
		}
	}
}

const bytesPerMB = 1024 * 1024

func (m *Manager) emit(s *session, scratch map[string]float64) {
	sample := store.ManagedRuntimeSample{
		RunID:       m.runID,
		Timestamp:   time.Now().UTC(),
		AppLabel:    s.app.Name,
		ProcessName: s.name,
		Kind:        store.RuntimeKindCore,

		HeapSizeMB:         scratch["gc-heap-size"] / bytesPerMB,
		Gen0CollectionsSec: scratch["gen-0-gc-count"],
		Gen1CollectionsSec: scratch["gen-1-gc-count"],
		Gen2CollectionsSec: scratch["gen-2-gc-count"],
		GCTimePercent:      scratch["time-in-gc"],
		ExceptionRateSec:   scratch["exception-count"],
		ThreadCount:        int64(scratch["threadpool-thread-count"]),
		ThreadPoolThreads:  int64(scratch["threadpool-thread-count"]),
		ThreadPoolQueueLen: int64(scratch["threadpool-queue-length"]),
	}
	allocRate := scratch["alloc-rate"] / bytesPerMB
	sample.AllocationRateMBSec = &allocRate

	if err := m.st.InsertManagedRuntimeSamples([]store.ManagedRuntimeSample{sample}); err != nil {
		m.logger.Error(err, "failed to write managed runtime sample")
	}
}

// Stop terminates every live session's cancellation scope and waits (best
// effort) for sessions to unwind.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
