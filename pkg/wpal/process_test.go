package wpal

import (
	"os"
	"testing"

	"github.com/mitchellh/go-ps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescendantsOf(t *testing.T) {
	t.Parallel()

	table := []ps.Process{
		fakeProcess{pid: 0, ppid: 0, exe: "idle"},
		fakeProcess{pid: 1, ppid: 0, exe: "init"},
		fakeProcess{pid: 10, ppid: 1, exe: "browser"},
		fakeProcess{pid: 11, ppid: 10, exe: "renderer"},
		fakeProcess{pid: 12, ppid: 10, exe: "audio service"},
		fakeProcess{pid: 13, ppid: 12, exe: "decoder"},
		fakeProcess{pid: 20, ppid: 1, exe: "unrelated"},
	}

	tests := []struct {
		name string
		root int
		want []int
	}{
		{name: "whole tree breadth first", root: 10, want: []int{11, 12, 13}},
		{name: "subtree", root: 12, want: []int{13}},
		{name: "leaf", root: 13, want: nil},
		{name: "absent", root: 99, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := descendantsOf(tt.root, table)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDescendantsOfReusedParentPids(t *testing.T) {
	t.Parallel()

	// a recycled pid can make parent links form a cycle
	table := []ps.Process{
		fakeProcess{pid: 5, ppid: 6},
		fakeProcess{pid: 6, ppid: 5},
		fakeProcess{pid: 7, ppid: 6},
	}

	assert.Equal(t, []int{6, 7}, descendantsOf(5, table))
}

func TestProcessFinderFindsItself(t *testing.T) {
	t.Parallel()

	target, err := NewProcessFinder().FindTarget(uint32(os.Getpid()), true)
	require.NoError(t, err)

	assert.Equal(t, uint32(os.Getpid()), target.PID)
	assert.NotEmpty(t, target.Executable)
}

func TestProcessFinderMissingProcess(t *testing.T) {
	t.Parallel()

	_, err := NewProcessFinder().FindTarget(0x7ffffff0, false)
	require.ErrorIs(t, err, errNoSuchProcess)
}
