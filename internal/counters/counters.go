// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package counters is the Counter Reader (C1): safe, failure-isolated
// access to host performance counters. It is grounded on the teacher's
// BaseCollector/PointCollector "construct once, collect per tick" shape,
// generalized from /proc parsing to gopsutil/v4 reads, since the capture
// target is Windows rather than Linux.
package counters

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	netcounter "github.com/shirou/gopsutil/v4/net"

	"github.com/antimetal/scenariotel/internal/hostinfo"
)

// SystemSnapshot is one tick's worth of host counters. Every field is a
// pointer; a nil field means the underlying counter is unavailable or its
// read failed this tick, never a zero measurement.
type SystemSnapshot struct {
	CPUTotalPercent *float64

	DiskReadsPerSec      *float64
	DiskWritesPerSec     *float64
	DiskReadBytesPerSec  *float64
	DiskWriteBytesPerSec *float64

	NetBytesSentPerSec *float64
	NetBytesRecvPerSec *float64

	MemoryInUseMB *float64
	MemoryAvailMB *float64
}

type diskTotals struct {
	reads, writes         uint64
	readBytes, writeBytes uint64
}

type netTotals struct {
	sent, recv uint64
}

// Reader is the Counter Reader. It is stateful: disk/network counters are
// cumulative, so a Reader must outlive every tick and keep its previous
// reading to compute a rate.
type Reader struct {
	logger logr.Logger
	hostSrc *hostinfo.Source

	diskEnabled    bool
	networkEnabled bool

	diskAvailable bool
	lastDisk      diskTotals
	lastDiskAt    time.Time

	netAvailable bool
	// netInstances is the fixed set of interface names enumerated at
	// construction; interfaces appearing later in the run are not
	// captured (spec §4.1/§9 accepted limitation).
	netInstances []string
	lastNet      netTotals
	lastNetAt    time.Time

	closed bool
}

// New constructs the Counter Reader: it attempts to open the configured
// counters and primes each with one discard read so the first real
// Snapshot reports a rate rather than a cumulative total. Opening a
// counter never fails loudly; a failure is logged at warning level and the
// counter is marked unavailable for the life of the Reader.
func New(ctx context.Context, logger logr.Logger, hostSrc *hostinfo.Source, enableDisk, enableNetwork bool) *Reader {
	r := &Reader{
		logger:         logger.WithName("counters"),
		hostSrc:        hostSrc,
		diskEnabled:    enableDisk,
		networkEnabled: enableNetwork,
	}

	// Prime CPU percent: the first call to cpu.Percent seeds gopsutil's
	// internal previous-sample state; a real rate is only available from
	// the second call on.
	if _, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		r.logger.Info("cpu counter unavailable", "error", err.Error())
	}

	if enableDisk {
		if totals, err := readDiskTotals(ctx); err == nil {
			r.diskAvailable = true
			r.lastDisk = totals
			r.lastDiskAt = time.Now()
		} else {
			r.logger.Info("disk counters unavailable", "error", err.Error())
		}
	}

	if enableNetwork {
		// Interface enumeration happens once, here, at construction.
		if names, totals, err := readNetTotals(ctx, nil); err == nil {
			r.netAvailable = true
			r.netInstances = names
			r.lastNet = totals
			r.lastNetAt = time.Now()
		} else {
			r.logger.Info("network counters unavailable", "error", err.Error())
		}
	}

	return r
}

// Snapshot reads every open counter for one tick. Per-counter failures
// yield absent (nil) values; they never propagate as an error from
// Snapshot itself, since a failing counter must not abort the tick.
func (r *Reader) Snapshot(ctx context.Context, interval time.Duration) SystemSnapshot {
	var snap SystemSnapshot

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		v := pct[0]
		snap.CPUTotalPercent = &v
	} else if err != nil {
		r.logger.V(2).Info("cpu read failed", "error", err.Error())
	}

	if r.diskEnabled && r.diskAvailable {
		if totals, err := readDiskTotals(ctx); err == nil {
			now := time.Now()
			dt := now.Sub(r.lastDiskAt).Seconds()
			if dt <= 0 {
				dt = interval.Seconds()
			}
			snap.DiskReadsPerSec = ratePtr(r.lastDisk.reads, totals.reads, dt)
			snap.DiskWritesPerSec = ratePtr(r.lastDisk.writes, totals.writes, dt)
			snap.DiskReadBytesPerSec = ratePtr(r.lastDisk.readBytes, totals.readBytes, dt)
			snap.DiskWriteBytesPerSec = ratePtr(r.lastDisk.writeBytes, totals.writeBytes, dt)
			r.lastDisk = totals
			r.lastDiskAt = now
		} else {
			r.logger.V(2).Info("disk read failed", "error", err.Error())
		}
	}

	if r.networkEnabled && r.netAvailable {
		if _, totals, err := readNetTotals(ctx, r.netInstances); err == nil {
			now := time.Now()
			dt := now.Sub(r.lastNetAt).Seconds()
			if dt <= 0 {
				dt = interval.Seconds()
			}
			snap.NetBytesSentPerSec = ratePtr(r.lastNet.sent, totals.sent, dt)
			snap.NetBytesRecvPerSec = ratePtr(r.lastNet.recv, totals.recv, dt)
			r.lastNet = totals
			r.lastNetAt = now
		} else {
			r.logger.V(2).Info("network read failed", "error", err.Error())
		}
	}

	if status, ok := r.hostSrc.MemoryStatus(ctx); ok {
		snap.MemoryInUseMB = &status.InUseMB
		snap.MemoryAvailMB = &status.AvailableMB
	}

	return snap
}

// Close releases counter resources. It is idempotent; counters held by
// gopsutil require no explicit handle release, but Close is kept as a
// first-class operation so callers don't need to know that.
func (r *Reader) Close() error {
	r.closed = true
	return nil
}

func ratePtr(prev, cur uint64, dtSeconds float64) *float64 {
	if dtSeconds <= 0 {
		dtSeconds = 1
	}
	var delta float64
	if cur > prev {
		delta = float64(cur - prev)
	}
	v := delta / dtSeconds
	return &v
}

func readDiskTotals(ctx context.Context) (diskTotals, error) {
	counters, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		return diskTotals{}, err
	}
	var t diskTotals
	for _, c := range counters {
		t.reads += c.ReadCount
		t.writes += c.WriteCount
		t.readBytes += c.ReadBytes
		t.writeBytes += c.WriteBytes
	}
	return t, nil
}

// readNetTotals sums bytes sent/received across interfaces. When instances
// is nil, every interface is enumerated and its name recorded; when
// non-nil, only the given set is summed (the frozen-at-construction set).
func readNetTotals(ctx context.Context, instances []string) ([]string, netTotals, error) {
	stats, err := netcounter.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil, netTotals{}, err
	}

	var names []string
	var want map[string]struct{}
	if instances != nil {
		want = make(map[string]struct{}, len(instances))
		for _, n := range instances {
			want[n] = struct{}{}
		}
	}

	var t netTotals
	for _, s := range stats {
		if want != nil {
			if _, ok := want[s.Name]; !ok {
				continue
			}
		} else {
			names = append(names, s.Name)
		}
		t.sent += s.BytesSent
		t.recv += s.BytesRecv
	}
	if instances != nil {
		names = instances
	}
	return names, t, nil
}
