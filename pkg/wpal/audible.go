package wpal

import (
	"sort"

	"github.com/thoas/go-funk"
)

// AudibleProcess is a process that currently holds an audio session on an output device
type AudibleProcess struct {
	PID        uint32
	Executable string
	Devices    []string
}

// AudibleFinder lists processes with output audio sessions, the useful capture targets
type AudibleFinder interface {
	AudibleProcesses() ([]AudibleProcess, error)

	Release() error
}

// collapseAudible merges sessions belonging to the same process and orders the result by pid
func collapseAudible(sessions []AudibleProcess) []AudibleProcess {
	byPID := make(map[uint32]*AudibleProcess)
	var order []uint32

	for _, session := range sessions {
		// system sounds and sessions whose process is gone
		if session.PID == 0 {
			continue
		}

		existing, ok := byPID[session.PID]
		if !ok {
			merged := session
			merged.Devices = funk.UniqString(append([]string(nil), session.Devices...))
			byPID[session.PID] = &merged
			order = append(order, session.PID)
			continue
		}

		if existing.Executable == "" {
			existing.Executable = session.Executable
		}

		for _, device := range session.Devices {
			if !funk.ContainsString(existing.Devices, device) {
				existing.Devices = append(existing.Devices, device)
			}
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	result := make([]AudibleProcess, 0, len(order))
	for _, pid := range order {
		result = append(result, *byPID[pid])
	}

	return result
}
