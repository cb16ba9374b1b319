// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package runtimesession

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"

	"github.com/antimetal/scenariotel/internal/config"
)

type fixedEnumerator map[string][]int32

func (f fixedEnumerator) ProcessesNamed(name string) []int32 {
	return f[name]
}

func TestNewFrameworkSamplerFiltersDisabledApps(t *testing.T) {
	s := NewFrameworkSampler(logr.Discard(), nil, 1, 0, []config.ManagedApp{
		{Name: "a", ProcessName: "a.exe", Enabled: true},
		{Name: "b", ProcessName: "b.exe", Enabled: false},
	}, fixedEnumerator{})

	names := make([]string, 0, len(s.apps))
	for _, app := range s.apps {
		names = append(names, app.Name)
	}
	assert.Equal(t, []string{"a"}, names)
}

func TestCounterPathWithAndWithoutInstance(t *testing.T) {
	assert.Equal(t, `\Process(myapp)\ID Process`, counterPath("Process", "myapp", "ID Process"))
	assert.Equal(t, `\Memory\Available MBytes`, counterPath("Memory", "", "Available MBytes"))
}

func TestResolveInstanceCacheHit(t *testing.T) {
	s := NewFrameworkSampler(logr.Discard(), nil, 1, 0, nil, fixedEnumerator{})
	s.instances[7] = "cached-instance"

	name, err := s.resolveInstance(7, "whatever.exe")
	assert.NoError(t, err)
	assert.Equal(t, "cached-instance", name)
}
