// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package store

import "time"

// Run is one bounded capture session, from open until orderly shutdown.
// Every field other than EndedAt/DurationSeconds is immutable once created.
type Run struct {
	ID int64

	MachineName       string
	OSIdentifier       string
	LogicalCoreCount   int
	CPUModel           string
	TotalPhysMemoryMB  float64
	SystemDriveType    string
	SystemDriveFreeMB  float64
	UptimeAtStart      time.Duration

	ScenarioLabel string
	Notes         string

	WorkloadType     string
	WorkloadSize     string
	WorkloadNotes    string

	ConfigSnapshot string
	ToolVersion    string

	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds float64
}

// SystemSample is one tick of the master clock, child of a Run.
type SystemSample struct {
	ID        int64
	RunID     int64
	Timestamp time.Time

	CPUTotalPercent *float64
	MemoryInUseMB   *float64
	MemoryAvailMB   *float64

	DiskReadsPerSec      *float64
	DiskWritesPerSec     *float64
	DiskReadBytesPerSec  *float64
	DiskWriteBytesPerSec *float64
	NetBytesSentPerSec   *float64
	NetBytesRecvPerSec   *float64
}

// ProcessSample is one observed process-name group at a given SystemSample.
type ProcessSample struct {
	ID              int64
	RunID           int64
	SystemSampleID  int64
	ProcessName     string
	CPUPercent      float64
	WorkingSetMB    float64
	PrivateBytesMB  float64
	ThreadCount     int64
	HandleCount     int64
}

// RuntimeKind distinguishes the two Managed Runtime Session variants.
type RuntimeKind string

const (
	RuntimeKindCore      RuntimeKind = "Core"
	RuntimeKindFramework RuntimeKind = "Framework"
)

// ManagedRuntimeSample is one per monitored managed app per emission interval.
type ManagedRuntimeSample struct {
	ID          int64
	RunID       int64
	Timestamp   time.Time
	AppLabel    string
	ProcessName string
	Kind        RuntimeKind

	HeapSizeMB          float64
	AllocationRateMBSec *float64 // Core only
	Gen0CollectionsSec  float64
	Gen1CollectionsSec  float64
	Gen2CollectionsSec  float64
	GCTimePercent       float64
	ExceptionRateSec    float64
	ThreadCount         int64
	ThreadPoolThreads   int64
	ThreadPoolQueueLen  int64
}

// HTTPSample is one (app, endpoint-group, bucket-start) bucket record.
type HTTPSample struct {
	ID             int64
	RunID          int64
	BucketStart    time.Time
	AppLabel       string
	ProcessName    string
	EndpointGroup  string

	RequestCount    int64
	SuccessCount    int64
	Status4xxCount  int64
	Status5xxCount  int64
	OtherCount      int64
	TotalDurationMS float64
	AvgDurationMS   float64
	MinDurationMS   float64
	MaxDurationMS   float64
}

// DMVSample is one per polling interval of the Relational DMV Sampler.
type DMVSample struct {
	ID        int64
	RunID     int64
	Timestamp time.Time

	ActiveRequests    int64
	BlockedRequests   int64
	UserConnections   int64
	RunningSessions   int64
	TopWaitType       string
	TopWaitMS         float64
	TotalWaitMS       float64
	ReadStallMSPerRead   float64
	WriteStallMSPerWrite float64
	ReadBytesPerSec      float64
	WriteBytesPerSec     float64
}

// MarkerLevel is the severity of a Marker.
type MarkerLevel string

const (
	MarkerLevelInfo  MarkerLevel = "info"
	MarkerLevelWarn  MarkerLevel = "warning"
	MarkerLevelError MarkerLevel = "error"
)

// MarkerType distinguishes process-lifecycle markers from tool/user ones.
type MarkerType string

const (
	MarkerTypeProcessStarted MarkerType = "process_started"
	MarkerTypeProcessExited  MarkerType = "process_exited"
	MarkerTypeTool           MarkerType = "tool"
	MarkerTypeUser           MarkerType = "user"
)

// Marker is a tagged, time-stamped string event attached to a Run.
type Marker struct {
	ID        int64
	RunID     int64
	Timestamp time.Time
	Type      MarkerType
	Level     MarkerLevel
	Label     string
}
