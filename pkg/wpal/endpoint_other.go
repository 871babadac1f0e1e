//go:build !windows

package wpal

import (
	"errors"
	"runtime"

	"go.uber.org/zap"
)

var errUnsupportedPlatform = errors.New("process loopback capture is not implemented on " + runtime.GOOS)

// unsupportedBackend fails every activation. Use a SimulatedBackend off Windows.
type unsupportedBackend struct {
	logger *zap.SugaredLogger
}

func newPlatformBackend(logger *zap.SugaredLogger) Backend {
	return &unsupportedBackend{logger: logger}
}

func (b *unsupportedBackend) ActivateProcessLoopback(_ LoopbackParams, _ func(AudioClient, error)) error {
	b.logger.Warnw("No process loopback backend on this platform", "os", runtime.GOOS)
	return errUnsupportedPlatform
}

func (b *unsupportedBackend) NewSignal() (Signal, error) {
	return nil, errUnsupportedPlatform
}
