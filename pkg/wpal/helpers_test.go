package wpal

import (
	"errors"
	"sync"
	"testing"
	"unsafe"

	"github.com/mitchellh/go-ps"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// newTestSession builds a stereo 16-bit session on a simulated backend with its own scheduler
func newTestSession(t *testing.T, backend Backend, opts ...SessionOption) *Session {
	t.Helper()

	base := []SessionOption{
		WithLogger(nopLogger()),
		WithBackend(backend),
		WithScheduler(NewScheduler(nopLogger(), -1)),
		WithProcessFinder(nil),
	}

	s, err := NewSession(SessionParams{
		ProcessID:          4242,
		IncludeDescendants: true,
		Channels:           2,
		SampleRate:         44100,
		BitsPerSample:      16,
	}, append(base, opts...)...)
	require.NoError(t, err)

	t.Cleanup(s.Stop)

	return s
}

func newTestSignal() *chanSignal {
	return newChanSignal(NewSimulatedBackend(nil))
}

// fakeCapture is a scripted CaptureClient
type fakeCapture struct {
	mu       sync.Mutex
	packets  [][]byte
	frames   []uint32
	err      error
	released []uint32
	closed   int
}

func (f *fakeCapture) push(frames uint32, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.frames = append(f.frames, frames)
	f.packets = append(f.packets, data)
}

func (f *fakeCapture) NextPacketSize() (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return 0, f.err
	}

	if len(f.frames) == 0 {
		return 0, nil
	}

	return f.frames[0], nil
}

func (f *fakeCapture) GetBuffer() (Packet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return Packet{}, f.err
	}

	if len(f.frames) == 0 {
		return Packet{}, errors.New("empty")
	}

	return Packet{Data: unsafe.Pointer(&f.packets[0][0]), Frames: f.frames[0]}, nil
}

func (f *fakeCapture) ReleaseBuffer(frames uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.released = append(f.released, frames)

	if f.err != nil {
		return f.err
	}

	if frames > 0 && len(f.frames) > 0 {
		f.frames = f.frames[1:]
		f.packets = f.packets[1:]
	}

	return nil
}

func (f *fakeCapture) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed++
}

type fakeProcess struct {
	pid, ppid int
	exe       string
}

func (p fakeProcess) Pid() int           { return p.pid }
func (p fakeProcess) PPid() int          { return p.ppid }
func (p fakeProcess) Executable() string { return p.exe }

var _ ps.Process = fakeProcess{}

type fakeFinder struct {
	target TargetProcess
	err    error
}

func (f fakeFinder) FindTarget(pid uint32, _ bool) (TargetProcess, error) {
	if f.err != nil {
		return TargetProcess{}, f.err
	}

	target := f.target
	target.PID = pid

	return target, nil
}
