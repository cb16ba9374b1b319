// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package runtimesession

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/scenariotel/internal/config"
	"github.com/antimetal/scenariotel/internal/store"
)

// classicCounters is the fixed set of named counters the Framework variant
// reads per instance (spec §4.3): heap bytes in all heaps, per-gen
// collections/sec, time-in-GC percent, exceptions/sec, logical thread
// count.
var classicCounters = []struct {
	category, counter string
}{
	{".NET CLR Memory", "# Bytes in all Heaps"},
	{".NET CLR Memory", "# Gen 0 Collections"},
	{".NET CLR Memory", "# Gen 1 Collections"},
	{".NET CLR Memory", "# Gen 2 Collections"},
	{".NET CLR Memory", "% Time in GC"},
	{".NET CLR Exceptions", "# of Exceps Thrown / sec"},
	{"Process", "Thread Count"},
}

const maxInstanceSearch = 32

// FrameworkSampler is the classic-runtime ("Framework" kind) polling
// variant of the Managed Runtime Session: a background loop ticking at the
// master rate, re-enumerating matching processes and reading the fixed
// counter set through the OS performance-counter catalog (spec §4.3).
type FrameworkSampler struct {
	logger logr.Logger
	st     *store.Store
	runID  int64
	tick   time.Duration
	apps   []config.ManagedApp

	enumerator ProcessEnumerator

	instanceMu sync.Mutex
	instances  map[int32]string // pid -> resolved PDH instance name

	queriesMu sync.Mutex
	queries   map[int32]*pdhQuery
}

func NewFrameworkSampler(logger logr.Logger, st *store.Store, runID int64, tick time.Duration, apps []config.ManagedApp, enumerator ProcessEnumerator) *FrameworkSampler {
	enabled := make([]config.ManagedApp, 0, len(apps))
	for _, a := range apps {
		if a.Enabled {
			enabled = append(enabled, a)
		}
	}
	return &FrameworkSampler{
		logger:     logger.WithName("runtimesession.framework"),
		st:         st,
		runID:      runID,
		tick:       tick,
		apps:       enabled,
		enumerator: enumerator,
		instances:  make(map[int32]string),
		queries:    make(map[int32]*pdhQuery),
	}
}

// Run drives the polling loop until ctx is done.
func (f *FrameworkSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(f.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.closeAll()
			return
		case <-ticker.C:
			f.pollOnce()
		}
	}
}

func (f *FrameworkSampler) pollOnce() {
	for _, app := range f.apps {
		for _, pid := range f.enumerator.ProcessesNamed(app.ProcessName) {
			sample, err := f.readOne(pid, app)
			if err != nil {
				f.logger.V(1).Info("classic-runtime read failed", "pid", pid, "process", app.ProcessName, "error", err.Error())
				continue
			}
			if err := f.st.InsertManagedRuntimeSamples([]store.ManagedRuntimeSample{sample}); err != nil {
				f.logger.Error(err, "failed to write classic-runtime sample")
			}
		}
	}
}

func (f *FrameworkSampler) readOne(pid int32, app config.ManagedApp) (store.ManagedRuntimeSample, error) {
	instance, err := f.resolveInstance(pid, app.ProcessName)
	if err != nil {
		return store.ManagedRuntimeSample{}, err
	}

	q, err := f.queryFor(pid, instance)
	if err != nil {
		return store.ManagedRuntimeSample{}, err
	}
	if err := q.collect(); err != nil {
		return store.ManagedRuntimeSample{}, err
	}

	values := make(map[string]float64, len(classicCounters))
	for _, c := range classicCounters {
		path := counterPath(c.category, instance, c.counter)
		v, err := q.value(path)
		if err != nil {
			return store.ManagedRuntimeSample{}, fmt.Errorf("read %s: %w", path, err)
		}
		values[c.counter] = v
	}

	return store.ManagedRuntimeSample{
		RunID:              f.runID,
		Timestamp:          time.Now().UTC(),
		AppLabel:           app.Name,
		ProcessName:        app.ProcessName,
		Kind:               store.RuntimeKindFramework,
		HeapSizeMB:         values["# Bytes in all Heaps"] / bytesPerMB,
		Gen0CollectionsSec: values["# Gen 0 Collections"],
		Gen1CollectionsSec: values["# Gen 1 Collections"],
		Gen2CollectionsSec: values["# Gen 2 Collections"],
		GCTimePercent:      values["% Time in GC"],
		ExceptionRateSec:   values["# of Exceps Thrown / sec"],
		ThreadCount:        int64(values["Thread Count"]),
	}, nil
}

func (f *FrameworkSampler) queryFor(pid int32, instance string) (*pdhQuery, error) {
	f.queriesMu.Lock()
	defer f.queriesMu.Unlock()

	if q, ok := f.queries[pid]; ok {
		return q, nil
	}
	q, err := pdhOpen()
	if err != nil {
		return nil, err
	}
	for _, c := range classicCounters {
		if err := q.addCounter(counterPath(c.category, instance, c.counter)); err != nil {
			q.close()
			return nil, err
		}
	}
	f.queries[pid] = q
	return q, nil
}

// resolveInstance finds the PDH "Process" category instance name for pid,
// caching the mapping by pid. The Process category disambiguates multiple
// instances of the same executable with a "#N" suffix, which is resolved
// here by probing instances and matching the "ID Process" counter back to
// pid; resolution failures (instance not found, privilege) are reported to
// the caller to log at debug level, per spec §4.3.
func (f *FrameworkSampler) resolveInstance(pid int32, processName string) (string, error) {
	f.instanceMu.Lock()
	if name, ok := f.instances[pid]; ok {
		f.instanceMu.Unlock()
		return name, nil
	}
	f.instanceMu.Unlock()

	base := strings.TrimSuffix(processName, ".exe")
	q, err := pdhOpen()
	if err != nil {
		return "", err
	}
	defer q.close()

	for i := 0; i < maxInstanceSearch; i++ {
		instance := base
		if i > 0 {
			instance = fmt.Sprintf("%s#%d", base, i)
		}
		path := counterPath("Process", instance, "ID Process")
		if err := q.addCounter(path); err != nil {
			break
		}
		if err := q.collect(); err != nil {
			continue
		}
		v, err := q.value(path)
		if err != nil {
			continue
		}
		if int32(v) == pid {
			f.instanceMu.Lock()
			f.instances[pid] = instance
			f.instanceMu.Unlock()
			return instance, nil
		}
	}
	return "", fmt.Errorf("no PDH Process instance resolved for pid %d (%s)", pid, processName)
}

func (f *FrameworkSampler) closeAll() {
	f.queriesMu.Lock()
	defer f.queriesMu.Unlock()
	for pid, q := range f.queries {
		q.close()
		delete(f.queries, pid)
	}
}
