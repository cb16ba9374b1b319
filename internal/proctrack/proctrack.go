// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package proctrack is the Process Lifecycle Tracker (C2). It is grounded
// on the teacher's execsnoop.go "continuous collector streams lifecycle
// events into a channel" shape for the arrival-notification path, and on
// registry.go's mutex-guarded map pattern for the active-pid set. Where the
// teacher subscribes to an eBPF ring buffer of exec events, this package
// has no Windows-native process-creation-notification library anywhere in
// the reference corpus, so the arrival subscription is a poll-diff loop
// over gopsutil process enumeration instead. Seeding and polling share that
// enumeration: when it fails at Start, the tracker neither seeds nor polls.
package proctrack

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sys/windows"

	"github.com/antimetal/scenariotel/internal/errors"
	"github.com/antimetal/scenariotel/internal/store"
)

const pollInterval = 250 * time.Millisecond

// ArrivalEvent is raised synchronously during seeding and asynchronously
// from the arrival subscription for every process whose normalized name
// matches the monitored set.
type ArrivalEvent struct {
	Pid  int32
	Name string
}

// ArrivalHandler is how C3 and C4 subscribe to arrivals; both register a
// handler before Start so they observe seeding as well as later arrivals.
type ArrivalHandler func(ctx context.Context, ev ArrivalEvent)

// Handle is a live process handle returned by ActiveSnapshot. The caller
// owns it and must call Close after use.
type Handle struct {
	Pid  int32
	Name string
	h    windows.Handle
}

// ExitCode returns the process's exit code if it has already exited, or
// ok=false if it is still running or the read failed.
func (p *Handle) ExitCode() (code uint32, ok bool) {
	var ec uint32
	if err := windows.GetExitCodeProcess(p.h, &ec); err != nil {
		return 0, false
	}
	if ec == windows.STILL_ACTIVE {
		return 0, false
	}
	return ec, true
}

// Close releases the underlying OS handle.
func (p *Handle) Close() error {
	if p.h == 0 {
		return nil
	}
	err := windows.CloseHandle(p.h)
	p.h = 0
	return err
}

type trackedProcess struct {
	name        string
	handle      *Handle
	prevCPUTime float64
	haveSample  bool
}

// Tracker maintains the live monitored-process set and notifies subscribed
// components of arrivals and exits.
type Tracker struct {
	logger logr.Logger
	st     *store.Store
	runID  int64

	monitored map[string]struct{}

	mu     sync.Mutex
	active map[int32]*trackedProcess

	arrivalHooksMu sync.Mutex
	arrivalHooks   []ArrivalHandler

	stopPoll chan struct{}
	wg       sync.WaitGroup

	subscriptionFailed bool
}

// New constructs a Tracker. monitoredNames is compared case-insensitively
// with file extensions stripped, per spec §4.2.
func New(logger logr.Logger, st *store.Store, runID int64, monitoredNames []string) *Tracker {
	monitored := make(map[string]struct{}, len(monitoredNames))
	for _, n := range monitoredNames {
		monitored[normalizeName(n)] = struct{}{}
	}
	return &Tracker{
		logger:    logger.WithName("proctrack"),
		st:        st,
		runID:     runID,
		monitored: monitored,
		active:    make(map[int32]*trackedProcess),
		stopPoll:  make(chan struct{}),
	}
}

func normalizeName(name string) string {
	name = strings.ToLower(name)
	return strings.TrimSuffix(name, strings.ToLower(filepath.Ext(name)))
}

// OnArrival registers a handler invoked for every arrival, seeded or
// subscribed. Must be called before Start to observe the seed enumeration.
func (t *Tracker) OnArrival(h ArrivalHandler) {
	t.arrivalHooksMu.Lock()
	defer t.arrivalHooksMu.Unlock()
	t.arrivalHooks = append(t.arrivalHooks, h)
}

func (t *Tracker) notify(ctx context.Context, ev ArrivalEvent) {
	t.arrivalHooksMu.Lock()
	hooks := append([]ArrivalHandler(nil), t.arrivalHooks...)
	t.arrivalHooksMu.Unlock()
	for _, h := range hooks {
		h(ctx, ev)
	}
}

// Start seeds the active set from currently running processes, then
// starts the arrival poll loop. If the initial enumeration fails, the
// failure is logged once at warning level and Start returns nil without
// seeding any process or starting the poll loop.
func (t *Tracker) Start(ctx context.Context) error {
	pids, err := enumerateProcesses()
	if err != nil {
		wrapped := errors.Wrap(errors.PrivilegeDenied, err)
		t.logger.Info("process enumeration unavailable, continuing without process tracking", "error", wrapped.Error())
		t.subscriptionFailed = true
		return nil
	}

	for _, p := range pids {
		if _, ok := t.monitored[normalizeName(p.name)]; !ok {
			continue
		}
		t.arrive(ctx, p.pid, p.name)
	}

	t.wg.Add(1)
	go t.pollLoop(ctx, pids)
	return nil
}

type procInfo struct {
	pid  int32
	name string
}

func (t *Tracker) pollLoop(ctx context.Context, seen []procInfo) {
	defer t.wg.Done()

	known := make(map[int32]struct{}, len(seen))
	for _, p := range seen {
		known[p.pid] = struct{}{}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopPoll:
			return
		case <-ticker.C:
			current, err := enumerateProcesses()
			if err != nil {
				t.logger.V(2).Info("process enumeration failed this poll", "error", err.Error())
				continue
			}
			nowKnown := make(map[int32]struct{}, len(current))
			for _, p := range current {
				nowKnown[p.pid] = struct{}{}
				if _, ok := known[p.pid]; ok {
					continue
				}
				if _, ok := t.monitored[normalizeName(p.name)]; ok {
					t.arrive(ctx, p.pid, p.name)
				}
			}
			known = nowKnown
		}
	}
}

// arrive is the arrival handler (spec §4.2). It marks the pid active,
// opens a handle, emits a start marker, and — before releasing the
// mutex — checks whether the process has already exited, closing the
// race where the process dies between spawn and handler setup.
func (t *Tracker) arrive(ctx context.Context, pid int32, name string) {
	t.mu.Lock()
	if _, ok := t.active[pid]; ok {
		t.mu.Unlock()
		return
	}

	h, err := openProcess(pid)
	if err != nil {
		t.mu.Unlock()
		t.logger.V(1).Info("failed to open arriving process", "pid", pid, "error", err.Error())
		return
	}
	handle := &Handle{Pid: pid, Name: name, h: h}
	t.active[pid] = &trackedProcess{name: name, handle: handle}

	t.emitMarker(store.MarkerTypeProcessStarted, store.MarkerLevelInfo,
		"Process "+name+" (PID "+strconv.Itoa(int(pid))+") started.")

	exited := false
	var exitCode uint32
	if code, ok := handle.ExitCode(); ok {
		exited = true
		exitCode = code
		delete(t.active, pid)
	}
	t.mu.Unlock()

	if exited {
		t.emitExitMarker(name, pid, exitCode, true)
		_ = handle.Close()
		return
	}

	t.wg.Add(1)
	go t.waitForExit(ctx, pid, handle)

	t.notify(ctx, ArrivalEvent{Pid: pid, Name: name})
}

func (t *Tracker) waitForExit(ctx context.Context, pid int32, h *Handle) {
	defer t.wg.Done()
	event, err := windows.WaitForSingleObject(h.h, windows.INFINITE)
	if err != nil || event != windows.WAIT_OBJECT_0 {
		return
	}
	select {
	case <-ctx.Done():
	default:
	}

	code, ok := h.ExitCode()

	t.mu.Lock()
	_, stillActive := t.active[pid]
	delete(t.active, pid)
	t.mu.Unlock()

	if stillActive {
		t.emitExitMarker(h.Name, pid, code, ok)
	}
}

func (t *Tracker) emitExitMarker(name string, pid int32, code uint32, haveCode bool) {
	label := "Process " + name + " (PID " + strconv.Itoa(int(pid)) + ") exited"
	if haveCode {
		label += " with code " + strconv.Itoa(int(int32(code)))
	}
	label += "."
	t.emitMarker(store.MarkerTypeProcessExited, store.MarkerLevelInfo, label)
}

func (t *Tracker) emitMarker(typ store.MarkerType, level store.MarkerLevel, label string) {
	if t.st == nil {
		return
	}
	if _, err := t.st.InsertMarker(store.Marker{
		RunID: t.runID,
		Type:  typ,
		Level: level,
		Label: label,
	}); err != nil {
		t.logger.Error(err, "failed to write marker")
	}
}

// ProcessesNamed lists the pids of currently running processes whose
// normalized name matches name. It satisfies the ProcessEnumerator
// interface runtimesession and httpreconstruct use for AttachExisting.
func (t *Tracker) ProcessesNamed(name string) []int32 {
	norm := normalizeName(name)
	procs, err := enumerateProcesses()
	if err != nil {
		return nil
	}
	var out []int32
	for _, p := range procs {
		if normalizeName(p.name) == norm {
			out = append(out, p.pid)
		}
	}
	return out
}

// ActiveSnapshot returns a point-in-time copy of the active set, each with
// a freshly opened handle. If opening fails because the process has
// already exited, that pid is removed from the active set and skipped.
// The caller owns every returned Handle and must Close it after use.
func (t *Tracker) ActiveSnapshot() []*Handle {
	t.mu.Lock()
	pids := make([]int32, 0, len(t.active))
	names := make(map[int32]string, len(t.active))
	for pid, tp := range t.active {
		pids = append(pids, pid)
		names[pid] = tp.name
	}
	t.mu.Unlock()

	out := make([]*Handle, 0, len(pids))
	for _, pid := range pids {
		h, err := openProcess(pid)
		if err != nil {
			if isNoSuchProcess(err) {
				t.mu.Lock()
				delete(t.active, pid)
				t.mu.Unlock()
			}
			continue
		}
		out = append(out, &Handle{Pid: pid, Name: names[pid], h: h})
	}
	return out
}

// CPUPercent computes a process's CPU percent over interval on a host with
// numCores logical cores, per spec §4.2: (now - prev) / (T * N) * 100,
// clamped to >= 0. The first observation after a pid becomes known
// produces 0. Per-pid state lives in the active map entry and is reclaimed
// when the pid leaves (waitForExit removes it; Stop clears the map).
func (t *Tracker) CPUPercent(pid int32, cpuTimeSeconds float64, interval time.Duration, numCores int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp, ok := t.active[pid]
	if !ok || numCores <= 0 || interval <= 0 {
		return 0
	}
	if !tp.haveSample {
		tp.prevCPUTime = cpuTimeSeconds
		tp.haveSample = true
		return 0
	}
	delta := cpuTimeSeconds - tp.prevCPUTime
	tp.prevCPUTime = cpuTimeSeconds
	if delta < 0 {
		delta = 0
	}
	pct := delta / (interval.Seconds() * float64(numCores)) * 100
	if pct < 0 {
		pct = 0
	}
	return pct
}

// Stop halts the subscription loop and waits (up to the caller's context
// deadline) for outstanding exit-wait goroutines to unwind.
func (t *Tracker) Stop() {
	close(t.stopPoll)
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tp := range t.active {
		_ = tp.handle.Close()
	}
	t.active = make(map[int32]*trackedProcess)
}
