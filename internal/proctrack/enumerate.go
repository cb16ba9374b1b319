// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package proctrack

import (
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/windows"
)

// enumerateProcesses lists every running process's pid and executable
// basename. It is the seed/poll source for the arrival subscription.
func enumerateProcesses() ([]procInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	out := make([]procInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || name == "" {
			continue
		}
		out = append(out, procInfo{pid: p.Pid, name: name})
	}
	return out, nil
}

const desiredAccess = windows.PROCESS_QUERY_LIMITED_INFORMATION | windows.SYNCHRONIZE

func openProcess(pid int32) (windows.Handle, error) {
	return windows.OpenProcess(desiredAccess, false, uint32(pid))
}

func isNoSuchProcess(err error) bool {
	if err == nil {
		return false
	}
	return err == windows.ERROR_INVALID_PARAMETER ||
		strings.Contains(err.Error(), "invalid parameter") ||
		strings.Contains(err.Error(), "not found")
}
