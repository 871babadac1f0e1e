package wpal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/MixyLabs/wpal/pkg/wpal/util"
)

const (
	crashlogFilename        = "wpal-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"

	crashMessage = `-----------------------------------------------------------------
                        wpal crashlog
-----------------------------------------------------------------
Unfortunately, wpal has crashed.
To help diagnose the issue, a crashlog has been generated.
Please consider sharing this file with developers to help improve wpal.
You can do so by opening an issue at: https://github.com/MixyLabs/wpal/issues/new
-----------------------------------------------------------------
Time: %s
Panic occurred: %s
Stack trace:
%s
-----------------------------------------------------------------
`
)

// RecoverFromPanic writes a crashlog and exits. Defer it directly at the top of the goroutine it guards.
// cleanup runs before exiting, so capture can be stopped cleanly.
func RecoverFromPanic(logger *zap.SugaredLogger, notifier Notifier, cleanup func()) {
	r := recover()

	if r == nil {
		return
	}

	now := time.Now()

	if err := util.EnsureDirExists(logDirectory); err != nil {
		panic(fmt.Errorf("ensure crashlog dir exists: %w", err))
	}

	crashlogBytes := bytes.NewBufferString(fmt.Sprintf(crashMessage, now.Format(crashlogTimestampFormat), r, debug.Stack()))
	crashlogPath := filepath.Join(logDirectory, fmt.Sprintf(crashlogFilename, now.Format(crashlogTimestampFormat)))

	if err := os.WriteFile(crashlogPath, crashlogBytes.Bytes(), os.ModePerm); err != nil {
		panic(fmt.Errorf("can't even write the crashlog file contents: %w", err))
	}

	logger.Errorw("Encountered and logged panic, crashing",
		"crashlogPath", crashlogPath,
		"error", r)

	notifier.Notify("Unexpected crash occurred...",
		fmt.Sprintf("More details in %s", crashlogPath))

	if cleanup != nil {
		cleanup()
	}

	logger.Errorw("Quitting", "exitCode", 1)
	_ = logger.Sync()
	os.Exit(1)
}
