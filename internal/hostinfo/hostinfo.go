// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package hostinfo is the Counter Reader's (C1) host-facts source: the
// one-shot machine/CPU/memory/drive facts recorded on the Run, plus the
// per-tick memory refresh C1's Snapshot operation folds in. It is grounded
// on the teacher's CPUInfo/MemoryInfo hardware-config collectors, but reads
// through gopsutil/v4 instead of /proc and /sys since the capture target is
// Windows.
package hostinfo

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/antimetal/scenariotel/internal/errors"
)

// Facts are the once-per-run host facts recorded on the Run entity.
type Facts struct {
	MachineName      string
	OSIdentifier     string
	LogicalCoreCount int
	CPUModel         string
	TotalPhysMemMB   float64
	SystemDriveType  string
	SystemDriveFreeMB float64
	UptimeAtStart    time.Duration
}

// MemoryStatus is the per-tick memory refresh C1's Snapshot operation
// invokes. Either field may be zero-valued with ok=false if the read
// failed; the caller must treat that as "absent", never as zero usage.
type MemoryStatus struct {
	InUseMB   float64
	AvailableMB float64
}

// Source reads host facts and memory status. SystemDrive is the drive
// letter (Windows) or mount point whose free space is reported as part of
// Facts; it defaults to "C:\\" when empty.
type Source struct {
	logger      logr.Logger
	systemDrive string
}

func New(logger logr.Logger, systemDrive string) *Source {
	if systemDrive == "" {
		systemDrive = "C:\\"
	}
	return &Source{
		logger:      logger.WithName("hostinfo"),
		systemDrive: systemDrive,
	}
}

// Facts gathers the once-per-run host facts. A failure in any one
// sub-source is logged and leaves that field at its zero value. The
// returned error is always nil: LogicalCoreCount falls back to
// runtime.NumCPU, so some fact is always gathered.
func (s *Source) Facts(ctx context.Context) (Facts, error) {
	var f Facts

	if name, err := host.InfoWithContext(ctx); err == nil {
		f.MachineName = name.Hostname
		f.OSIdentifier = fmt.Sprintf("%s %s", name.Platform, name.PlatformVersion)
		f.UptimeAtStart = time.Duration(name.Uptime) * time.Second
	} else {
		s.logger.Error(err, "failed to read host info")
	}

	f.LogicalCoreCount = runtime.NumCPU()
	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		f.CPUModel = cpus[0].ModelName
		if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
			f.LogicalCoreCount = n
		}
	} else if err != nil {
		s.logger.Error(err, "failed to read CPU info")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		f.TotalPhysMemMB = bytesToMB(vm.Total)
	} else {
		s.logger.Error(err, "failed to read memory info")
	}

	if usage, err := disk.UsageWithContext(ctx, s.systemDrive); err == nil {
		f.SystemDriveFreeMB = bytesToMB(usage.Free)
		f.SystemDriveType = usage.Fstype
	} else {
		s.logger.Error(err, "failed to read system drive usage", "drive", s.systemDrive)
	}

	return f, nil
}

// MemoryStatus refreshes the current memory-in-use/available figures. It
// never returns an error to the caller; a failed read is logged and
// reported as ok=false so C1's Snapshot can leave the sample's memory
// fields absent rather than fail the tick.
func (s *Source) MemoryStatus(ctx context.Context) (MemoryStatus, bool) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		wrapped := errors.Wrap(errors.TransientReadFailure, err)
		s.logger.V(2).Info("memory read failed", "error", wrapped.Error())
		return MemoryStatus{}, false
	}
	return MemoryStatus{
		InUseMB:     bytesToMB(vm.Used),
		AvailableMB: bytesToMB(vm.Available),
	}, true
}

func bytesToMB(b uint64) float64 {
	return float64(b) / (1024 * 1024)
}
