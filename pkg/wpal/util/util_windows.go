package util

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// process loopback activation first shipped in this build
const minProcessLoopbackBuild = 20348

// CheckProcessLoopbackSupport fails on Windows builds that cannot capture a single process
func CheckProcessLoopbackSupport() error {
	version := windows.RtlGetVersion()

	if version.MajorVersion < 10 || version.BuildNumber < minProcessLoopbackBuild {
		return fmt.Errorf("process loopback capture needs Windows 10 build %d or newer, this is %d.%d.%d",
			minProcessLoopbackBuild, version.MajorVersion, version.MinorVersion, version.BuildNumber)
	}

	return nil
}
