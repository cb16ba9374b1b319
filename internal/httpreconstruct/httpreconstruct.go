// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package httpreconstruct is the HTTP Request Reconstructor (C4): it pairs
// start/stop diagnostic events into completed requests per process and
// feeds time-bucketed per-endpoint aggregates (spec §4.4). Like
// runtimesession it attaches at most once per pid over the diagnostic
// channel, so its attach map is grounded the same way, on the teacher's
// collector.go registry pattern.
package httpreconstruct

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/scenariotel/internal/config"
	"github.com/antimetal/scenariotel/internal/diagchannel"
	"github.com/antimetal/scenariotel/internal/store"
)

const orphanThreshold = 5 * time.Minute

// ProcessEnumerator lists currently running processes matching a name, for
// AttachExisting.
type ProcessEnumerator interface {
	ProcessesNamed(name string) []int32
}

type activeRequest struct {
	start  time.Time
	method string
	host   string
	path   string
}

type processSession struct {
	pid     int32
	name    string
	app     config.ManagedApp
	ch      diagchannel.Channel
	active  sync.Map // correlation id (string) -> activeRequest
}

type bucketKey struct {
	bucketStart   time.Time
	appLabel      string
	processName   string
	endpointGroup string
}

type bucketStats struct {
	mu       sync.Mutex
	count    int64
	success  int64
	c4xx     int64
	c5xx     int64
	other    int64
	durCount int64
	durSum   float64
	durMin   float64
	durMax   float64
}

func newBucketStats() *bucketStats {
	return &bucketStats{durMin: -1}
}

func (b *bucketStats) record(status int, durationMS float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count++
	switch {
	case status >= 200 && status < 300:
		b.success++
	case status >= 400 && status < 500:
		b.c4xx++
	case status >= 500 && status < 600:
		b.c5xx++
	default:
		b.other++
	}
	b.durCount++
	b.durSum += durationMS
	if b.durMin < 0 || durationMS < b.durMin {
		b.durMin = durationMS
	}
	if durationMS > b.durMax {
		b.durMax = durationMS
	}
}

func (b *bucketStats) toSample(runID int64, key bucketKey) store.HTTPSample {
	b.mu.Lock()
	defer b.mu.Unlock()
	avg := 0.0
	if b.durCount > 0 {
		avg = b.durSum / float64(b.durCount)
	}
	min := b.durMin
	if min < 0 {
		min = 0
	}
	return store.HTTPSample{
		RunID:           runID,
		BucketStart:     key.bucketStart,
		AppLabel:        key.appLabel,
		ProcessName:     key.processName,
		EndpointGroup:   key.endpointGroup,
		RequestCount:    b.count,
		SuccessCount:    b.success,
		Status4xxCount:  b.c4xx,
		Status5xxCount:  b.c5xx,
		OtherCount:      b.other,
		TotalDurationMS: b.durSum,
		AvgDurationMS:   avg,
		MinDurationMS:   min,
		MaxDurationMS:   b.durMax,
	}
}

// Manager owns per-process HTTP diagnostic attachment and the shared
// bucket aggregator.
type Manager struct {
	logger logr.Logger
	st     *store.Store
	runID  int64

	apps          map[string]config.ManagedApp // keyed by normalized process name
	flushInterval time.Duration

	attached sync.Map // pid(int32) -> *processSession

	bucketsMu sync.Mutex
	buckets   map[bucketKey]*bucketStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs the Manager. flushInterval should be
// max(1s, min bucket interval across enabled HTTP-monitored apps), per spec
// §4.4; computing that minimum is the caller's (Orchestrator's) job since it
// has the full app list in hand already.
func New(logger logr.Logger, st *store.Store, runID int64, apps []config.ManagedApp, flushInterval time.Duration) *Manager {
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	m := &Manager{
		logger:        logger.WithName("httpreconstruct"),
		st:            st,
		runID:         runID,
		apps:          make(map[string]config.ManagedApp),
		flushInterval: flushInterval,
		buckets:       make(map[bucketKey]*bucketStats),
	}
	for _, app := range apps {
		if !app.Enabled || !app.HTTPMonitoring.Enabled {
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

// Start records the cancellation scope and launches the flush loop.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.flushLoop()
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

// NotifyProcessStarted attaches to pid if name matches a configured,
// HTTP-monitored app.
func (m *Manager) NotifyProcessStarted(ctx context.Context, pid int32, name string) {
	app, ok := m.apps[normalize(name)]
	if !ok {
		return
	}
	m.attach(pid, name, app)
}

func (m *Manager) attach(pid int32, name string, app config.ManagedApp) {
	sess := &processSession{pid: pid, name: name, app: app}
	if _, loaded := m.attached.LoadOrStore(pid, sess); loaded {
		return
	}

	ch, err := diagchannel.Open(m.ctx, m.logger, pid, []diagchannel.Provider{
		{Kind: diagchannel.ProviderHTTPEvents},
	})
	if err != nil {
		m.attached.Delete(pid)
		m.emitAttachFailedMarker(name, err)
		return
	}
	sess.ch = ch

	m.wg.Add(1)
	go m.runSession(sess)
}

func (m *Manager) emitAttachFailedMarker(name string, cause error) {
	_, err := m.st.InsertMarker(store.Marker{
		RunID: m.runID,
		Type:  store.MarkerTypeTool,
		Level: store.MarkerLevelError,
		Label: "http reconstructor attach failed for " + name + ": " + cause.Error(),
	})
	if err != nil {
		m.logger.Error(err, "failed to write attach-failure marker")
	}
}

func (m *Manager) runSession(s *processSession) {
	defer m.wg.Done()
	defer m.attached.Delete(s.pid)
	defer s.ch.Close()

	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-s.ch.Events():
			if !ok {
				return
			}
			m.handleEvent(s, ev)
		}
	}
}

type eventKind int

const (
	eventUnknown eventKind = iota
	eventStart
	eventStop
	eventFailed
)

func classify(name string) eventKind {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "start"):
		return eventStart
	case strings.Contains(lower, "failed"):
		return eventFailed
	case strings.Contains(lower, "stop"):
		return eventStop
	default:
		return eventUnknown
	}
}

// field reads the first present key from payload, trying each casing
// variant given, so callers can accept either capitalisation.
func field(payload map[string]string, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			return v, true
		}
	}
	return "", false
}

func (m *Manager) handleEvent(s *processSession, ev diagchannel.Event) {
	switch classify(ev.Name) {
	case eventStart:
		m.handleStart(s, ev.Payload)
	case eventStop, eventFailed:
		m.handleStop(s, ev.Payload)
	default:
		m.logger.V(2).Info("dropping unrecognized http diagnostic event", "event", ev.Name)
	}
}

func (m *Manager) handleStart(s *processSession, payload map[string]string) {
	corrID, ok := field(payload, "id", "Id", "ID", "correlationId", "CorrelationId")
	if !ok {
		m.logger.V(2).Info("http start event missing correlation id")
		return
	}
	method, _ := field(payload, "method", "Method")
	host, _ := field(payload, "host", "Host")
	path, _ := field(payload, "path", "Path")
	s.active.Store(corrID, activeRequest{
		start:  time.Now(),
		method: method,
		host:   host,
		path:   path,
	})
}

func (m *Manager) handleStop(s *processSession, payload map[string]string) {
	corrID, ok := field(payload, "id", "Id", "ID", "correlationId", "CorrelationId")
	if !ok {
		m.logger.V(2).Info("http stop event missing correlation id")
		return
	}
	val, ok := s.active.LoadAndDelete(corrID)
	if !ok {
		return
	}
	ar := val.(activeRequest)

	status := -1
	if raw, ok := field(payload, "status", "Status", "statusCode", "StatusCode"); ok {
		if v, err := strconv.Atoi(raw); err == nil {
			status = v
		}
	}

	now := time.Now()
	durationMS := float64(now.Sub(ar.start).Milliseconds())
	if raw, ok := field(payload, "duration", "Duration"); ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			durationMS = v
		}
	}

	m.recordCompleted(s.app, s.name, ar, status, durationMS, now)
}

func (m *Manager) recordCompleted(app config.ManagedApp, processName string, ar activeRequest, status int, durationMS float64, eventTime time.Time) {
	group := endpointGroup(app.HTTPMonitoring.EndpointGrouping, ar.host, ar.path)
	interval := time.Duration(app.HTTPMonitoring.BucketIntervalSeconds * float64(time.Second))
	if interval <= 0 {
		interval = time.Duration(config.DefaultBucketIntervalSeconds * float64(time.Second))
	}
	bucketStart := eventTime.Truncate(interval)

	key := bucketKey{
		bucketStart:   bucketStart,
		appLabel:      app.Name,
		processName:   processName,
		endpointGroup: group,
	}

	m.bucketsMu.Lock()
	b, ok := m.buckets[key]
	if !ok {
		b = newBucketStats()
		m.buckets[key] = b
	}
	m.bucketsMu.Unlock()

	b.record(status, durationMS)
}

func endpointGroup(grouping config.EndpointGrouping, host, path string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if grouping == config.HostAndFirstPathSegment {
		if host == "" {
			host = "(unknown)"
		}
		return host + ":" + firstPathSegment(path)
	}
	if host == "" {
		return "(unknown)"
	}
	return host
}

func firstPathSegment(path string) string {
	path = strings.ToLower(strings.TrimPrefix(path, "/"))
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	return path
}

// flushOnce atomically swaps the bucket map with an empty one and converts
// the retired buckets into HTTPSample records.
func (m *Manager) flushOnce() []store.HTTPSample {
	m.bucketsMu.Lock()
	old := m.buckets
	m.buckets = make(map[bucketKey]*bucketStats)
	m.bucketsMu.Unlock()

	samples := make([]store.HTTPSample, 0, len(old))
	for key, b := range old {
		samples = append(samples, b.toSample(m.runID, key))
	}
	return samples
}

// sweepOrphans removes active-request entries older than threshold across
// every attached process session and returns the count evicted.
func (m *Manager) sweepOrphans(now time.Time, threshold time.Duration) int {
	evicted := 0
	m.attached.Range(func(_, v any) bool {
		sess := v.(*processSession)
		sess.active.Range(func(corrID, raw any) bool {
			ar := raw.(activeRequest)
			if now.Sub(ar.start) > threshold {
				sess.active.Delete(corrID)
				evicted++
			}
			return true
		})
		return true
	})
	return evicted
}

func (m *Manager) flushLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			m.finalFlush()
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	samples := m.flushOnce()
	if len(samples) > 0 {
		if err := m.st.InsertHTTPSamples(samples); err != nil {
			m.logger.Error(err, "failed to write http samples")
		}
	}
	if evicted := m.sweepOrphans(time.Now(), orphanThreshold); evicted > 0 {
		m.logger.V(1).Info("evicted orphaned http requests", "count", evicted)
	}
}

// finalFlush runs one last flush on disposal so no pending aggregate is
// silently lost (spec §5 step 6).
func (m *Manager) finalFlush() {
	samples := m.flushOnce()
	if len(samples) > 0 {
		if err := m.st.InsertHTTPSamples(samples); err != nil {
			m.logger.Error(err, "failed to write final http samples")
		}
	}
}

// Stop terminates every live session and waits (best effort) for the flush
// loop to perform its final flush.
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
