//go:build !windows

package util

import (
	"errors"
)

func CheckProcessLoopbackSupport() error {
	return errors.New("Not implemented")
}
