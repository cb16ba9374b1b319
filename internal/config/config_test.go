// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/antimetal/scenariotel/internal/config"
)

func TestApplyDefaults(t *testing.T) {
	c := config.Config{}
	c.ApplyDefaults()
	assert.Equal(t, config.DefaultSampleIntervalSeconds, c.SampleIntervalSeconds)
	assert.Equal(t, config.DefaultDMVSampleIntervalSeconds, c.DeepMonitoring.DMV.SampleIntervalSeconds)
}

func TestApplyDefaultsPreservesSetValues(t *testing.T) {
	c := config.Config{SampleIntervalSeconds: 2.5}
	c.ApplyDefaults()
	assert.Equal(t, 2.5, c.SampleIntervalSeconds)
}

func TestApplyDefaultsBucketInterval(t *testing.T) {
	c := config.Config{
		DeepMonitoring: config.DeepMonitoring{
			CoreApps: []config.ManagedApp{
				{Name: "api", ProcessName: "api", HTTPMonitoring: config.HTTPMonitoring{Enabled: true}},
			},
		},
	}
	c.ApplyDefaults()
	assert.Equal(t, config.DefaultBucketIntervalSeconds, c.DeepMonitoring.CoreApps[0].HTTPMonitoring.BucketIntervalSeconds)
}

func TestMergeScalarOverrideWins(t *testing.T) {
	base := config.Config{SampleIntervalSeconds: 1.0, DatabasePath: "base.db"}
	override := config.Config{SampleIntervalSeconds: 0.25}
	merged := config.Merge(base, override)
	assert.Equal(t, 0.25, merged.SampleIntervalSeconds)
	assert.Equal(t, "base.db", merged.DatabasePath)
}

func TestMergeListReplacesOnlyWhenNonEmpty(t *testing.T) {
	base := config.Config{ProcessNames: []string{"a", "b"}}
	empty := config.Merge(base, config.Config{})
	assert.Equal(t, []string{"a", "b"}, empty.ProcessNames)

	replaced := config.Merge(base, config.Config{ProcessNames: []string{"c"}})
	assert.Equal(t, []string{"c"}, replaced.ProcessNames)
}

func TestMergeBooleanTogglesOR(t *testing.T) {
	base := config.Config{EnableNetworkMetrics: false}
	override := config.Config{EnableNetworkMetrics: true}
	assert.True(t, config.Merge(base, override).EnableNetworkMetrics)
	assert.True(t, config.Merge(override, base).EnableNetworkMetrics)
	assert.False(t, config.Merge(config.Config{}, config.Config{}).EnableNetworkMetrics)
}

func TestMergeDMVIntervalFallsBackWhenNonPositive(t *testing.T) {
	base := config.Config{DeepMonitoring: config.DeepMonitoring{DMV: config.DMVSampling{SampleIntervalSeconds: 5.0}}}
	override := config.Config{DeepMonitoring: config.DeepMonitoring{DMV: config.DMVSampling{SampleIntervalSeconds: -1}}}
	merged := config.Merge(base, override)
	assert.Equal(t, 5.0, merged.DeepMonitoring.DMV.SampleIntervalSeconds)
}

func TestMonitoredNamesUnionIncludesDisabledApps(t *testing.T) {
	c := config.Config{
		ProcessNames: []string{"child"},
		DeepMonitoring: config.DeepMonitoring{
			CoreApps:    []config.ManagedApp{{ProcessName: "api", Enabled: true}},
			ClassicApps: []config.ManagedApp{{ProcessName: "legacy", Enabled: false}},
		},
	}
	names := c.MonitoredNames()
	assert.ElementsMatch(t, []string{"child", "api", "legacy"}, names)
}

func TestMonitoredNamesDedup(t *testing.T) {
	c := config.Config{
		ProcessNames: []string{"api"},
		DeepMonitoring: config.DeepMonitoring{
			CoreApps: []config.ManagedApp{{ProcessName: "api"}},
		},
	}
	assert.Equal(t, []string{"api"}, c.MonitoredNames())
}
