// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package config holds the flat configuration surface for the capture core
// and the rule for merging a file-provided configuration under a
// CLI-provided one. Parsing the configuration file itself is an external
// collaborator's job; this package only defines the shape and the merge.
package config

import "time"

// EndpointGrouping selects how the HTTP Request Reconstructor buckets
// completed requests.
type EndpointGrouping string

const (
	HostOnly                EndpointGrouping = "HostOnly"
	HostAndFirstPathSegment EndpointGrouping = "HostAndFirstPathSegment"
)

const (
	DefaultSampleIntervalSeconds    = 1.0
	DefaultDMVSampleIntervalSeconds = 5.0
	DefaultBucketIntervalSeconds    = 5.0
)

// HTTPMonitoring configures the HTTP Request Reconstructor for one managed
// core application.
type HTTPMonitoring struct {
	Enabled               bool
	EndpointGrouping      EndpointGrouping
	BucketIntervalSeconds float64
}

// ManagedApp describes one process the Sampling Orchestrator attaches a
// managed-runtime session to, in addition to plain counter sampling.
type ManagedApp struct {
	Name        string // display label
	ProcessName string
	Enabled     bool

	// HTTPMonitoring only applies to Core-kind apps; Framework-kind apps
	// leave it at its zero value.
	HTTPMonitoring HTTPMonitoring
}

// DMVSampling configures the Relational DMV Sampler.
type DMVSampling struct {
	Enabled                  bool
	SampleIntervalSeconds    float64
	SQLConnectionString      string
}

// DeepMonitoring groups the managed-runtime and relational sampling
// configuration that only applies once a scenario targets specific apps.
type DeepMonitoring struct {
	CoreApps    []ManagedApp
	ClassicApps []ManagedApp
	DMV         DMVSampling
}

// Config is the flat enumeration of recognized options (spec §6.3).
type Config struct {
	DatabasePath           string
	SampleIntervalSeconds  float64
	ProcessNames           []string
	EnableDiskMetrics      bool
	EnableNetworkMetrics   bool
	SQLConnectionString    string
	EnableDBCounters       bool
	DBConnectionString     string
	DeepMonitoring         DeepMonitoring
}

// SampleInterval returns SampleIntervalSeconds as a time.Duration.
func (c Config) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalSeconds * float64(time.Second))
}

// Default returns the baseline configuration applied before any file/CLI
// override is merged in.
func Default() Config {
	return Config{
		SampleIntervalSeconds: DefaultSampleIntervalSeconds,
		EnableDiskMetrics:     true,
		EnableNetworkMetrics:  false,
		DeepMonitoring: DeepMonitoring{
			DMV: DMVSampling{
				SampleIntervalSeconds: DefaultDMVSampleIntervalSeconds,
			},
		},
	}
}

// ApplyDefaults fills zero-valued fields of c with Default()'s values, the
// way the teacher's CollectionConfig.ApplyDefaults does for collector
// config.
func (c *Config) ApplyDefaults() {
	defaults := Default()
	if c.SampleIntervalSeconds <= 0 {
		c.SampleIntervalSeconds = defaults.SampleIntervalSeconds
	}
	if c.DeepMonitoring.DMV.SampleIntervalSeconds <= 0 {
		c.DeepMonitoring.DMV.SampleIntervalSeconds = defaults.DeepMonitoring.DMV.SampleIntervalSeconds
	}
	for i := range c.DeepMonitoring.CoreApps {
		app := &c.DeepMonitoring.CoreApps[i]
		if app.HTTPMonitoring.Enabled && app.HTTPMonitoring.BucketIntervalSeconds <= 0 {
			app.HTTPMonitoring.BucketIntervalSeconds = DefaultBucketIntervalSeconds
		}
	}
}

// Merge layers override on top of base per the documented merge rule:
// scalar override wins if present/non-default; list override replaces the
// base only if non-empty; boolean toggles OR together; the DMV interval
// falls back to base if override is <= 0. Neither argument is modified; a
// new Config is returned.
func Merge(base, override Config) Config {
	out := base

	if override.DatabasePath != "" {
		out.DatabasePath = override.DatabasePath
	}
	if override.SampleIntervalSeconds > 0 {
		out.SampleIntervalSeconds = override.SampleIntervalSeconds
	}
	if len(override.ProcessNames) > 0 {
		out.ProcessNames = override.ProcessNames
	}
	out.EnableDiskMetrics = base.EnableDiskMetrics || override.EnableDiskMetrics
	out.EnableNetworkMetrics = base.EnableNetworkMetrics || override.EnableNetworkMetrics
	if override.SQLConnectionString != "" {
		out.SQLConnectionString = override.SQLConnectionString
	}
	out.EnableDBCounters = base.EnableDBCounters || override.EnableDBCounters
	if override.DBConnectionString != "" {
		out.DBConnectionString = override.DBConnectionString
	}

	if len(override.DeepMonitoring.CoreApps) > 0 {
		out.DeepMonitoring.CoreApps = override.DeepMonitoring.CoreApps
	}
	if len(override.DeepMonitoring.ClassicApps) > 0 {
		out.DeepMonitoring.ClassicApps = override.DeepMonitoring.ClassicApps
	}

	out.DeepMonitoring.DMV.Enabled = base.DeepMonitoring.DMV.Enabled || override.DeepMonitoring.DMV.Enabled
	if override.DeepMonitoring.DMV.SampleIntervalSeconds > 0 {
		out.DeepMonitoring.DMV.SampleIntervalSeconds = override.DeepMonitoring.DMV.SampleIntervalSeconds
	} else {
		out.DeepMonitoring.DMV.SampleIntervalSeconds = base.DeepMonitoring.DMV.SampleIntervalSeconds
	}
	if override.DeepMonitoring.DMV.SQLConnectionString != "" {
		out.DeepMonitoring.DMV.SQLConnectionString = override.DeepMonitoring.DMV.SQLConnectionString
	}

	return out
}

// MonitoredNames returns the union of ProcessNames and the process names of
// every configured managed app, core and classic, regardless of the app's
// Enabled flag.
//
// This mirrors the spec's monitored-name set literally: a disabled managed
// app's process name is still picked up as a plain Process Sample. Whether
// that is intentional is an open question upstream; it is not resolved
// here, only implemented as specified.
func (c Config) MonitoredNames() []string {
	seen := make(map[string]struct{}, len(c.ProcessNames))
	names := make([]string, 0, len(c.ProcessNames))
	add := func(n string) {
		if n == "" {
			return
		}
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}
	for _, n := range c.ProcessNames {
		add(n)
	}
	for _, app := range c.DeepMonitoring.CoreApps {
		add(app.ProcessName)
	}
	for _, app := range c.DeepMonitoring.ClassicApps {
		add(app.ProcessName)
	}
	return names
}
