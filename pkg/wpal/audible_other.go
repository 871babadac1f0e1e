//go:build !windows && !linux

package wpal

import (
	"errors"
	"runtime"

	"go.uber.org/zap"
)

func NewAudibleFinder(logger *zap.SugaredLogger) (AudibleFinder, error) {
	logger.Named("audible").Debugw("Audible process listing unavailable", "os", runtime.GOOS)
	return nil, errors.New("audible process listing is not implemented on " + runtime.GOOS)
}
