package wpal

import (
	"fmt"

	"github.com/mitchellh/go-ps"
	"github.com/thoas/go-funk"
)

// TargetProcess describes the process a session captures from
type TargetProcess struct {
	PID         uint32
	Executable  string
	Descendants []int
}

// ProcessFinder resolves capture targets in the process table
type ProcessFinder interface {
	// FindTarget returns the target process, or an error wrapping errNoSuchProcess when it is not running
	FindTarget(pid uint32, withDescendants bool) (TargetProcess, error)
}

type psProcessFinder struct{}

// NewProcessFinder returns a finder backed by the live process table
func NewProcessFinder() ProcessFinder {
	return psProcessFinder{}
}

func (psProcessFinder) FindTarget(pid uint32, withDescendants bool) (TargetProcess, error) {
	process, err := ps.FindProcess(int(pid))
	if err != nil {
		return TargetProcess{}, fmt.Errorf("find process %d: %w", pid, err)
	}

	if process == nil {
		return TargetProcess{}, fmt.Errorf("pid %d: %w", pid, errNoSuchProcess)
	}

	target := TargetProcess{
		PID:        pid,
		Executable: process.Executable(),
	}

	if !withDescendants {
		return target, nil
	}

	processes, err := ps.Processes()
	if err != nil {
		return TargetProcess{}, fmt.Errorf("list processes: %w", err)
	}

	target.Descendants = descendantsOf(int(pid), processes)

	return target, nil
}

// descendantsOf walks the parent links breadth first
func descendantsOf(root int, processes []ps.Process) []int {
	children := make(map[int][]int)
	for _, p := range processes {
		// pid 0 reports itself as its own parent on some platforms
		if p.Pid() == p.PPid() {
			continue
		}
		children[p.PPid()] = append(children[p.PPid()], p.Pid())
	}

	var tree []int
	pending := []int{root}

	for len(pending) > 0 {
		parent := pending[0]
		pending = pending[1:]

		for _, child := range children[parent] {
			if child == root || funk.ContainsInt(tree, child) {
				continue
			}

			tree = append(tree, child)
			pending = append(pending, child)
		}
	}

	return funk.UniqInt(tree)
}
