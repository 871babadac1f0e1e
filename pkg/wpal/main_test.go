package wpal

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// the COM apartment thread lives for the whole process on Windows
		goleak.IgnoreAnyFunction("github.com/MixyLabs/wpal/pkg/wpal.keepMTA"),
	)
}
